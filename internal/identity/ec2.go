// ABOUTME: Identity provider backed by the EC2 instance metadata service
// ABOUTME: Passes on every failure so the host provider can answer instead

package identity

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// Defaults for the metadata service.
const (
	DefaultEC2Endpoint = "http://169.254.169.254"
	DefaultEC2Timeout  = 500 * time.Millisecond
	EC2Priority        = 25
)

var ec2Paths = map[Field]string{
	FieldInstanceID: "instance-id",
	FieldQueueName:  "instance-id",
	FieldLocalIP:    "local-ipv4",
	FieldPublicIP:   "public-ipv4",
}

// EC2 answers instance id, addresses and queue name from instance metadata.
type EC2 struct {
	client  *imds.Client
	timeout time.Duration

	mu     sync.Mutex
	values map[string]string
}

// NewEC2 creates the provider. An empty endpoint uses the link-local default.
func NewEC2(endpoint string, timeout time.Duration) *EC2 {
	if endpoint == "" {
		endpoint = DefaultEC2Endpoint
	}
	if timeout <= 0 {
		timeout = DefaultEC2Timeout
	}
	return &EC2{
		client: imds.New(imds.Options{
			Endpoint: endpoint,
			Retryer:  aws.NopRetryer{},
		}),
		timeout: timeout,
		values:  make(map[string]string),
	}
}

// Name implements Provider.
func (e *EC2) Name() string { return "ec2" }

// Priority implements Provider.
func (e *EC2) Priority() int { return EC2Priority }

// Lookup implements Provider.
func (e *EC2) Lookup(ctx context.Context, field Field) (string, error) {
	path, ok := ec2Paths[field]
	if !ok {
		return "", ErrPass
	}

	e.mu.Lock()
	if v, ok := e.values[path]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	v, err := e.get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPass, err)
	}

	e.mu.Lock()
	e.values[path] = v
	e.mu.Unlock()
	return v, nil
}

func (e *EC2) get(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", path, err)
	}
	defer out.Content.Close()

	body, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	v := strings.TrimSpace(string(body))
	if v == "" {
		return "", fmt.Errorf("empty %s", path)
	}
	return v, nil
}
