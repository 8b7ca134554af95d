// Package identity answers "who is this node" for message stamping and
// queue naming.
//
// # Providers
//
// A Provider answers some subset of the identity fields. The Resolver asks
// providers from highest to lowest priority; a provider that cannot answer
// returns ErrPass (or an error wrapping it) and the next one is asked.
//
//   - ec2 (priority 25): instance id, local and public ipv4 from instance
//     metadata. The queue name is the instance id.
//   - unix (priority 0): hostname, ROLES, INSTANCE_ID, SERVER_ID, CLUSTER_ID
//     and ACCOUNT_ID from the environment (ids default to "-1"), local ip
//     from a UDP dial and public ip from an HTTP lookup. The queue name is
//     the hostname.
//
// Providers can be excluded by name through identity.exclude in the
// configuration file.
package identity
