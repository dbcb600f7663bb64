// Package provider defines the downstream SMS carrier capability as an
// explicit interface rather than the original's dynamic object
// dispatch: a closed Go interface plus one stub implementation, since
// delivering actual SMS to a real carrier is out of scope here.
package provider

import (
	"context"
	"fmt"
	"math/rand"
)

// Outcome is the result of a send attempt.
type Outcome struct {
	Accepted bool
	Reason   string // populated when Accepted is false
}

// Provider is the capability the dispatcher calls to hand off a
// message to a downstream carrier.
type Provider interface {
	Send(ctx context.Context, recipient, body string) (Outcome, error)
	Healthcheck(ctx context.Context) error
}

// rejectionReasons mirrors the fixed set the original's
// process_sms_sending task picks from on simulated failure.
var rejectionReasons = []string{
	"Provider rejected: Invalid number",
	"Provider rejected: carrier blacklist",
	"Provider rejected: message body rejected",
}

// Stub is a deterministic-ish stand-in carrier: it accepts 95% of
// sends and otherwise returns one of a small set of rejection reasons,
// matching apps/sms/tasks.py::process_sms_sending's simulated success
// probability.
type Stub struct {
	rng *rand.Rand
}

// NewStub constructs a stub provider seeded from the given source so
// callers can make its rejection sequence reproducible in tests.
func NewStub(seed int64) *Stub {
	return &Stub{rng: rand.New(rand.NewSource(seed))}
}

func (s *Stub) Send(ctx context.Context, recipient, body string) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}
	if s.rng.Float64() < 0.95 {
		return Outcome{Accepted: true}, nil
	}
	return Outcome{Accepted: false, Reason: rejectionReasons[s.rng.Intn(len(rejectionReasons))]}, nil
}

func (s *Stub) Healthcheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

var _ Provider = (*Stub)(nil)

// ErrUnhealthy is returned by a provider's Healthcheck when the
// downstream carrier is not reachable.
var ErrUnhealthy = fmt.Errorf("provider: downstream unhealthy")
