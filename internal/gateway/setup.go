package gateway

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/staykeep/payouts/internal/config"
)

// FromConfig builds a registry from the configured providers. Without providers a
// single sandbox provider is registered.
func FromConfig(cfg config.Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(cfg.Currency, logger)
	providers := cfg.Providers
	if len(providers) == 0 {
		providers = []config.Provider{{Name: "sandbox", Kind: "sandbox"}}
	}

	for _, p := range providers {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = cfg.GatewayTimeout
		}
		httpCfg := HTTPConfig{
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			APIUser:           p.APIUser,
			APIKey:            p.APIKey,
			SubscriptionKey:   p.SubscriptionKey,
			TargetEnvironment: p.TargetEnvironment,
			Country:           p.Country,
			Currency:          p.Currency,
			Client:            &http.Client{},
		}

		var adapter Adapter
		switch p.Kind {
		case "mtn":
			adapter = NewMTN(httpCfg)
		case "airtel":
			adapter = NewAirtel(httpCfg)
		case "sandbox":
			adapter = NewSandbox(p.Name)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
		if err := reg.Register(adapter, WithTimeout(timeout), WithRateLimit(p.RatePerSecond, p.Burst)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
