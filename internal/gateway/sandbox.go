package gateway

import (
	"context"

	"github.com/google/uuid"
)

var sandboxNamespace = uuid.MustParse("6f1c3b5e-2a0d-4f4e-9a57-7f0f3c8e2b11")

// Sandbox simulates a provider that pays every request. The reference is derived from
// the idempotency key, so a replay reports the same reference.
type Sandbox struct {
	name string
}

// NewSandbox returns a sandbox adapter registered under name.
func NewSandbox(name string) Sandbox {
	if name == "" {
		name = "sandbox"
	}
	return Sandbox{name: name}
}

func (s Sandbox) Name() string { return s.name }

// Send approves the payout with a synthetic reference.
func (s Sandbox) Send(_ context.Context, req Request) Result {
	return Success("SBX-" + uuid.NewSHA1(sandboxNamespace, []byte(req.IdempotencyKey)).String())
}

// Func adapts a function to the Adapter interface.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) Result
}

func (f Func) Name() string { return f.ProviderName }

func (f Func) Send(ctx context.Context, req Request) Result { return f.Fn(ctx, req) }
