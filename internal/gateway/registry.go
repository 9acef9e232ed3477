package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/staykeep/payouts/internal/metrics"
)

// DefaultTimeout bounds a provider call when no per-provider timeout is configured.
const DefaultTimeout = 10 * time.Second

type provider struct {
	adapter Adapter
	timeout time.Duration
	limiter *rate.Limiter
}

// Option tunes a registered provider.
type Option func(*provider)

// WithTimeout overrides the call timeout for the provider.
func WithTimeout(d time.Duration) Option {
	return func(p *provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRateLimit caps outgoing calls to the provider.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *provider) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Registry routes payouts to provider adapters and maps every failure mode onto Result.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*provider
	currency    string
	description string
	logger      *slog.Logger
}

// NewRegistry creates an empty registry paying out in the given currency.
func NewRegistry(currency string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers:   make(map[string]*provider),
		currency:    currency,
		description: "Wallet withdrawal",
		logger:      logger,
	}
}

// Register adds an adapter under its name.
func (r *Registry) Register(a Adapter, opts ...Option) error {
	if a == nil || a.Name() == "" {
		return errors.New("adapter with a name is required")
	}
	p := &provider{adapter: a, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[a.Name()]; exists {
		return fmt.Errorf("provider %s already registered", a.Name())
	}
	r.providers[a.Name()] = p
	return nil
}

// Has reports whether the provider is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Currency returns the payout currency.
func (r *Registry) Currency() string { return r.currency }

func (r *Registry) lookup(name string) (*provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Send pays amount to the destination through its provider. The call is detached from
// the caller's cancellation: once issued it runs until the provider answers or the
// provider timeout elapses, and a timeout always yields Indeterminate.
func (r *Registry) Send(ctx context.Context, dest Destination, amount int64, idempotencyKey string) Result {
	p, ok := r.lookup(dest.Provider)
	if !ok {
		// Replays of a pending debit can reach here after a provider is removed; an
		// earlier call may still have paid.
		return r.observe(dest, idempotencyKey, time.Now(), Indeterminate(fmt.Sprintf("unknown provider %q", dest.Provider)))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// This attempt never reached the provider, but an earlier attempt with the same
			// key may have.
			return r.observe(dest, idempotencyKey, time.Now(), Indeterminate("local rate limit: "+err.Error()))
		}
	}

	req := Request{
		Amount:         amount,
		Currency:       r.currency,
		Recipient:      dest.Recipient,
		IdempotencyKey: idempotencyKey,
		Description:    r.description,
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Indeterminate(fmt.Sprintf("adapter panic: %v", rec))
			}
		}()
		done <- normalize(p.adapter.Send(ctx, req))
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Indeterminate(fmt.Sprintf("no answer within %s", p.timeout))
	}
	return r.observe(dest, idempotencyKey, start, res)
}

func (r *Registry) observe(dest Destination, key string, start time.Time, res Result) Result {
	metrics.GatewayLatency.WithLabelValues(dest.Provider).Observe(time.Since(start).Seconds())
	metrics.GatewayCalls.WithLabelValues(dest.Provider, string(res.Outcome)).Inc()

	attrs := []any{
		slog.String("provider", dest.Provider),
		slog.String("idempotency_key", key),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("duration", time.Since(start)),
	}
	switch res.Outcome {
	case OutcomeSuccess:
		r.logger.Info("gateway call completed", append(attrs, slog.String("external_reference", res.ExternalReference))...)
	case OutcomeRejected:
		r.logger.Warn("gateway call rejected", append(attrs, slog.String("kind", string(res.Kind)), slog.String("detail", res.Detail))...)
	default:
		r.logger.Error("gateway call indeterminate", append(attrs, slog.String("detail", res.Detail))...)
	}
	return res
}
