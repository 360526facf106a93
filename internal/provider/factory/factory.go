// Package factory builds the provider registry from configuration.
package factory

import (
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/provider"
	"github.com/sells-group/inference-gateway/internal/provider/anthropic"
	"github.com/sells-group/inference-gateway/internal/provider/local"
	"github.com/sells-group/inference-gateway/internal/provider/openaicompat"
)

// RegisterConfigured instantiates every configured provider and registers
// it. At least one provider must be configured.
func RegisterConfigured(cfg config.ProvidersConfig, registry *provider.Registry) error {
	client := &http.Client{}

	if ac := cfg.Anthropic; ac != nil {
		if ac.APIKey == "" {
			return eris.New("factory: anthropic provider requires an api key")
		}
		if err := registry.Register(anthropic.New(ac.Name, ac.APIKey, ac.Models)); err != nil {
			return err
		}
	}

	for _, oc := range cfg.OpenAI {
		p, err := openaicompat.New(oc.Name, oc.APIKey, oc.BaseURL, oc.Models, client)
		if err != nil {
			return err
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}

	for _, lc := range cfg.Local {
		p, err := local.New(lc.Name, lc.BaseURL, lc.Models, client)
		if err != nil {
			return err
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}

	if len(registry.Providers()) == 0 {
		return eris.New("factory: no providers configured")
	}
	return nil
}
