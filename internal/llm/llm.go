// Package llm talks to remote chat-completion APIs and classifies their
// failures into typed error kinds at the network boundary.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a chat completion request.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
	// Model overrides the provider's configured model.
	Model string
}

// Completer returns the first text block of a model reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Kind classifies a completion failure.
type Kind int

const (
	KindOther Kind = iota
	KindDNS
	KindConnect
	KindTimeout
	KindRateLimited
	KindServer
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindDNS:
		return "dns"
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	default:
		return "other"
	}
}

// Error is returned by providers for every failed completion except
// context cancellation, which is passed through untouched.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a completion error, or KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindDNS, KindConnect, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// classify wraps a provider error. status is the HTTP status when the API
// answered, zero otherwise.
func classify(provider string, err error, status int) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: kindFor(err, status), Provider: provider, Status: status, Err: err}
}

func kindFor(err error, status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status == 529 || status >= 500:
		return KindServer
	case status != 0:
		return KindOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnect
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnect
	}
	return KindOther
}
