package service

import (
	"fmt"

	"payment-service/config"
	"payment-service/internal/processor"
)

// Gateway is one configured checkout variant with its processor account
type Gateway struct {
	Config   config.GatewayConfig
	Client   ProcessorClient
	Verifier SignatureVerifier
	Keys     KeyInvalidator
}

// ID returns the gateway identifier
func (g *Gateway) ID() string {
	return g.Config.ID
}

// Registry resolves gateway ids, built once at startup
type Registry struct {
	gateways map[string]*Gateway
	ids      []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]*Gateway)}
}

// Register adds or replaces a gateway
func (r *Registry) Register(gw *Gateway) {
	if _, exists := r.gateways[gw.ID()]; !exists {
		r.ids = append(r.ids, gw.ID())
	}
	r.gateways[gw.ID()] = gw
}

// Get returns the gateway for id
func (r *Registry) Get(id string) (*Gateway, error) {
	gw, ok := r.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, id)
	}
	return gw, nil
}

// IDs lists registered gateway ids in registration order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// BuildRegistry creates a processor client, key cache and verifier for
// every configured gateway
func BuildRegistry(gateways []config.GatewayConfig, proc config.ProcessorConfig, keys processor.KeyStore) *Registry {
	registry := NewRegistry()

	for _, gc := range gateways {
		client := processor.NewClient(processor.Config{
			BaseURL:     proc.BaseURL,
			SecretKey:   gc.SecretKey,
			BrandID:     gc.BrandID,
			FastTimeout: proc.FastTimeout,
			SlowTimeout: proc.SlowTimeout,
		})
		cache := processor.NewKeyCache(gc.ID, client, keys)

		registry.Register(&Gateway{
			Config:   gc,
			Client:   client,
			Verifier: processor.NewVerifier(cache),
			Keys:     cache,
		})
	}

	return registry
}
