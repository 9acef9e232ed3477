package gateway

import (
	"context"
	"fmt"
	"strings"
)

// Outcome tags a Result.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeRejected      Outcome = "rejected"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// RejectKind classifies an explicit refusal from a provider.
type RejectKind string

const (
	InvalidRecipient          RejectKind = "INVALID_RECIPIENT"
	InsufficientMerchantFunds RejectKind = "INSUFFICIENT_MERCHANT_FUNDS"
	ProviderRefused           RejectKind = "PROVIDER_REFUSED"
)

// Valid reports whether k belongs to the rejection taxonomy.
func (k RejectKind) Valid() bool {
	switch k {
	case InvalidRecipient, InsufficientMerchantFunds, ProviderRefused:
		return true
	}
	return false
}

// Result is the common outcome of a payout call. Exactly one shape is populated:
// Success carries ExternalReference, Rejected carries Kind, Indeterminate carries neither.
type Result struct {
	Outcome           Outcome
	ExternalReference string
	Kind              RejectKind
	Detail            string
}

// Success reports a completed payout.
func Success(externalReference string) Result {
	return Result{Outcome: OutcomeSuccess, ExternalReference: externalReference}
}

// Rejected reports a payout the provider explicitly refused.
func Rejected(kind RejectKind, detail string) Result {
	return Result{Outcome: OutcomeRejected, Kind: kind, Detail: detail}
}

// Indeterminate reports a call whose effect upstream is unknown.
func Indeterminate(detail string) Result {
	return Result{Outcome: OutcomeIndeterminate, Detail: detail}
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return "success(" + r.ExternalReference + ")"
	case OutcomeRejected:
		return "rejected(" + string(r.Kind) + ")"
	default:
		return "indeterminate"
	}
}

// normalize forces malformed adapter results to Indeterminate.
func normalize(r Result) Result {
	switch r.Outcome {
	case OutcomeSuccess:
		if r.ExternalReference == "" {
			return Indeterminate("success reported without a transaction reference")
		}
		return r
	case OutcomeRejected:
		if !r.Kind.Valid() {
			return Indeterminate(fmt.Sprintf("unmapped rejection kind %q: %s", r.Kind, r.Detail))
		}
		return r
	case OutcomeIndeterminate:
		return r
	default:
		return Indeterminate(fmt.Sprintf("unknown outcome %q", r.Outcome))
	}
}

// Request is the provider-neutral payout instruction handed to an adapter.
type Request struct {
	Amount         int64
	Currency       string
	Recipient      string
	IdempotencyKey string
	Description    string
}

// Adapter connects one payout provider. Send must pass IdempotencyKey to the provider
// as its deduplication key and must never return Success or Rejected unless the
// provider said so.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req Request) Result
}

// Destination identifies where a payout goes.
type Destination struct {
	Provider  string `json:"provider"`
	Recipient string `json:"recipient"`
}

func (d Destination) String() string {
	return d.Provider + ":" + d.Recipient
}

// ParseDestination reverses Destination.String.
func ParseDestination(s string) (Destination, error) {
	provider, recipient, ok := strings.Cut(s, ":")
	if !ok || provider == "" || recipient == "" {
		return Destination{}, fmt.Errorf("malformed destination %q", s)
	}
	return Destination{Provider: provider, Recipient: recipient}, nil
}
