package netcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResolver struct {
	calls    atomic.Int32
	lookupFn func(ctx context.Context, host string) ([]string, error)
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.calls.Add(1)
	return f.lookupFn(ctx, host)
}

func TestCheck_Success(t *testing.T) {
	var seen string
	r := &fakeResolver{lookupFn: func(ctx context.Context, host string) ([]string, error) {
		seen = host
		return []string{"203.0.113.10"}, nil
	}}
	c, err := New("https://api.anthropic.com/v1/messages", time.Second, r, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if seen != "api.anthropic.com" {
		t.Errorf("resolved host = %q, want api.anthropic.com", seen)
	}
}

func TestCheck_ResolverError(t *testing.T) {
	r := &fakeResolver{lookupFn: func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}}
	c, _ := New("api.anthropic.com", time.Second, r, nil)

	err := c.Check(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("Check err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestCheck_EmptyAnswer(t *testing.T) {
	r := &fakeResolver{lookupFn: func(ctx context.Context, host string) ([]string, error) {
		return nil, nil
	}}
	c, _ := New("api.anthropic.com", time.Second, r, nil)
	if err := c.Check(context.Background()); !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("Check err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestCheck_TimeoutWhenResolverHangs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := &fakeResolver{lookupFn: func(ctx context.Context, host string) ([]string, error) {
		<-release // ignores ctx, like a blocking system resolver
		return []string{"203.0.113.10"}, nil
	}}
	c, _ := New("api.anthropic.com", 50*time.Millisecond, r, nil)

	start := time.Now()
	err := c.Check(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Check err = %v, want ErrNetworkUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Check took %v, timeout not enforced", elapsed)
	}
}

func TestCheck_SharesInFlightLookup(t *testing.T) {
	release := make(chan struct{})
	r := &fakeResolver{lookupFn: func(ctx context.Context, host string) ([]string, error) {
		<-release
		return []string{"203.0.113.10"}, nil
	}}
	c, _ := New("api.anthropic.com", 2*time.Second, r, nil)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- c.Check(context.Background()) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Check: %v", err)
		}
	}
	if n := r.calls.Load(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
}

func TestNew_NormalisesHost(t *testing.T) {
	cases := map[string]string{
		"api.openai.com":                "api.openai.com",
		"https://api.openai.com:443/v1": "api.openai.com",
		"http://localhost:8080":         "localhost",
		"bücher.example":                "xn--bcher-kva.example",
		"  openrouter.ai/api/v1?x=1  ":  "openrouter.ai",
	}
	for in, want := range cases {
		c, err := New(in, 0, &fakeResolver{}, nil)
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if c.Host() != want {
			t.Errorf("New(%q).Host() = %q, want %q", in, c.Host(), want)
		}
	}
	if _, err := New("", 0, nil, nil); err == nil {
		t.Error("New(\"\") should fail")
	}
}
