// Package netcheck verifies that name resolution works before a remote call.
// A connected interface does not imply DNS is usable, so callers resolve the
// API host first and treat failure as a retryable condition.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"
)

// ErrNetworkUnavailable is returned when the host cannot be resolved in time.
var ErrNetworkUnavailable = errors.New("network unavailable")

// DefaultTimeout bounds a single preflight lookup.
const DefaultTimeout = 5 * time.Second

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker resolves one well-known host with a hard timeout.
type Checker struct {
	host     string
	timeout  time.Duration
	resolver Resolver
	logger   *slog.Logger
	group    singleflight.Group
}

// New creates a Checker for host (a hostname or URL). A zero timeout means
// DefaultTimeout; a nil resolver means net.DefaultResolver.
func New(host string, timeout time.Duration, resolver Resolver, logger *slog.Logger) (*Checker, error) {
	h, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{host: h, timeout: timeout, resolver: resolver, logger: logger}, nil
}

// Host returns the normalised hostname being checked.
func (c *Checker) Host() string { return c.host }

// Check resolves the host. The lookup runs on its own goroutine and is
// abandoned after the timeout even if the resolver ignores cancellation.
// Concurrent callers share one in-flight lookup.
func (c *Checker) Check(ctx context.Context) error {
	ch := c.group.DoChan(c.host, func() (any, error) {
		return nil, c.lookup()
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return nil
	case <-timer.C:
		c.logger.Warn("dns preflight timed out", "host", c.host, "timeout", c.timeout)
		return fmt.Errorf("resolving %s: timed out after %s: %w", c.host, c.timeout, ErrNetworkUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checker) lookup() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	addrs, err := c.resolver.LookupHost(ctx, c.host)
	if err != nil {
		c.logger.Warn("dns preflight failed", "host", c.host, "error", err)
		return fmt.Errorf("resolving %s: %v: %w", c.host, err, ErrNetworkUnavailable)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolving %s: no addresses: %w", c.host, ErrNetworkUnavailable)
	}
	return nil
}

// normalizeHost strips a URL scheme, path and port and converts the name to
// its ASCII form.
func normalizeHost(raw string) (string, error) {
	h := strings.TrimSpace(raw)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	if h == "" {
		return "", fmt.Errorf("preflight host is empty")
	}
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("normalising host %q: %w", raw, err)
	}
	return ascii, nil
}
