// ABOUTME: Builds the configured identity resolver
// ABOUTME: Wires the unix and ec2 providers with configuration overrides

package identity

import (
	"log/slog"
	"time"
)

// Options configures the default provider set.
type Options struct {
	Exclude       []string
	IPCheckDomain string
	IPCheckURL    string
	EC2Endpoint   string
	EC2Timeout    time.Duration
}

// Default returns a resolver over the built-in providers.
func Default(opts Options, logger *slog.Logger) *Resolver {
	providers := []Provider{
		NewUnix(WithIPCheck(opts.IPCheckDomain, opts.IPCheckURL)),
		NewEC2(opts.EC2Endpoint, opts.EC2Timeout),
	}
	return NewResolver(providers, opts.Exclude, logger)
}
