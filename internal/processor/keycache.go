package processor

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"payment-service/internal/util"

	"go.uber.org/zap"
)

// KeyStore persists fetched public keys so every process shares one fetch
type KeyStore interface {
	GetPublicKey(ctx context.Context, gatewayID string) (string, bool, error)
	SetPublicKey(ctx context.Context, gatewayID, pem string) error
	DeletePublicKey(ctx context.Context, gatewayID string) error
}

type keyFetcher interface {
	PublicKey(ctx context.Context) (string, error)
}

// KeyCache fetches the processor public key once per gateway configuration.
// There is no expiry; Invalidate is called when settings are re-saved.
type KeyCache struct {
	gatewayID string
	fetcher   keyFetcher
	store     KeyStore
	logger    *zap.Logger

	mu  sync.RWMutex
	key *rsa.PublicKey
}

// NewKeyCache creates a new public key cache. store may be nil.
func NewKeyCache(gatewayID string, fetcher keyFetcher, store KeyStore) *KeyCache {
	return &KeyCache{
		gatewayID: gatewayID,
		fetcher:   fetcher,
		store:     store,
		logger:    util.GetLogger(),
	}
}

// Key implements KeySource
func (kc *KeyCache) Key(ctx context.Context) (*rsa.PublicKey, error) {
	kc.mu.RLock()
	if kc.key != nil {
		key := kc.key
		kc.mu.RUnlock()
		return key, nil
	}
	kc.mu.RUnlock()

	kc.mu.Lock()
	defer kc.mu.Unlock()

	// Another goroutine may have loaded it while we waited.
	if kc.key != nil {
		return kc.key, nil
	}

	if kc.store != nil {
		pemText, ok, err := kc.store.GetPublicKey(ctx, kc.gatewayID)
		if err != nil {
			kc.logger.Warn("Failed to read cached public key",
				zap.String("gateway_id", kc.gatewayID),
				zap.Error(err))
		} else if ok {
			if key, err := ParsePublicKey(pemText); err == nil {
				kc.key = key
				return key, nil
			}
		}
	}

	pemText, err := kc.fetcher.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch public key: %w", err)
	}
	key, err := ParsePublicKey(pemText)
	if err != nil {
		return nil, err
	}

	if kc.store != nil {
		if err := kc.store.SetPublicKey(ctx, kc.gatewayID, pemText); err != nil {
			kc.logger.Warn("Failed to store public key",
				zap.String("gateway_id", kc.gatewayID),
				zap.Error(err))
		}
	}

	kc.key = key
	kc.logger.Info("Public key loaded", zap.String("gateway_id", kc.gatewayID))
	return key, nil
}

// Invalidate drops the cached key so the next Key call fetches again
func (kc *KeyCache) Invalidate(ctx context.Context) error {
	kc.mu.Lock()
	kc.key = nil
	kc.mu.Unlock()

	if kc.store == nil {
		return nil
	}
	return kc.store.DeletePublicKey(ctx, kc.gatewayID)
}
