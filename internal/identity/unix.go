// ABOUTME: Base identity provider backed by the host and environment
// ABOUTME: Answers every field so it is always the last resort

package identity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"
)

// Defaults for public and local address discovery.
const (
	DefaultIPCheckDomain = "checkip.dyndns.org"
	DefaultIPCheckURL    = "http://checkip.dyndns.org"
)

var ipPattern = regexp.MustCompile(`(\d{1,3}\.){3}\d{1,3}`)

// Unix reads identity from the hostname and environment variables.
type Unix struct {
	ipCheckDomain string
	ipCheckURL    string
	client        *http.Client
	hostname      func() (string, error)
	getenv        func(string) string

	mu       sync.Mutex
	name     string
	localIP  string
	publicIP string
}

// UnixOption configures a Unix provider.
type UnixOption func(*Unix)

// WithIPCheck overrides where local and public addresses are discovered.
func WithIPCheck(domain, url string) UnixOption {
	return func(u *Unix) {
		if domain != "" {
			u.ipCheckDomain = domain
		}
		if url != "" {
			u.ipCheckURL = url
		}
	}
}

// WithEnv overrides environment lookup.
func WithEnv(getenv func(string) string) UnixOption {
	return func(u *Unix) { u.getenv = getenv }
}

// WithHostname overrides hostname lookup.
func WithHostname(fn func() (string, error)) UnixOption {
	return func(u *Unix) { u.hostname = fn }
}

// NewUnix creates the base provider.
func NewUnix(opts ...UnixOption) *Unix {
	u := &Unix{
		ipCheckDomain: DefaultIPCheckDomain,
		ipCheckURL:    DefaultIPCheckURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		hostname:      os.Hostname,
		getenv:        os.Getenv,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name implements Provider.
func (u *Unix) Name() string { return "unix" }

// Priority implements Provider. The unix provider is always the lowest.
func (u *Unix) Priority() int { return 0 }

// Lookup implements Provider.
func (u *Unix) Lookup(ctx context.Context, field Field) (string, error) {
	switch field {
	case FieldName, FieldQueueName:
		return u.lookupName()
	case FieldRoles:
		return u.getenv("ROLES"), nil
	case FieldInstanceID:
		return u.envOrDefault("INSTANCE_ID"), nil
	case FieldServerID:
		return u.envOrDefault("SERVER_ID"), nil
	case FieldClusterID:
		return u.envOrDefault("CLUSTER_ID"), nil
	case FieldAccountID:
		return u.envOrDefault("ACCOUNT_ID"), nil
	case FieldLocalIP:
		return u.lookupLocalIP(ctx)
	case FieldPublicIP:
		return u.lookupPublicIP(ctx)
	default:
		return "", ErrPass
	}
}

func (u *Unix) envOrDefault(key string) string {
	if v := u.getenv(key); v != "" {
		return v
	}
	return "-1"
}

func (u *Unix) lookupName() (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.name != "" {
		return u.name, nil
	}
	name, err := u.hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}
	u.name = name
	return name, nil
}

// lookupLocalIP asks the kernel which source address it would use. A UDP
// dial sends no packets.
func (u *Unix) lookupLocalIP(ctx context.Context) (string, error) {
	u.mu.Lock()
	if u.localIP != "" {
		defer u.mu.Unlock()
		return u.localIP, nil
	}
	u.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(u.ipCheckDomain, "1"))
	if err != nil {
		return "", fmt.Errorf("discovering local ip: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}

	u.mu.Lock()
	u.localIP = addr.IP.String()
	u.mu.Unlock()
	return addr.IP.String(), nil
}

func (u *Unix) lookupPublicIP(ctx context.Context) (string, error) {
	u.mu.Lock()
	if u.publicIP != "" {
		defer u.mu.Unlock()
		return u.publicIP, nil
	}
	u.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.ipCheckURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovering public ip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	ip := ipPattern.FindString(string(body))
	if ip == "" {
		return "", fmt.Errorf("no address in response from %s", u.ipCheckURL)
	}

	u.mu.Lock()
	u.publicIP = ip
	u.mu.Unlock()
	return ip, nil
}
