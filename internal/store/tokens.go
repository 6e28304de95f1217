package store

import (
	"context"
	"database/sql"
	"fmt"

	"payment-service/internal/models"
)

// CreateToken inserts a token unless one with the same gateway and
// processor id exists. The stored row is returned either way, with created
// reporting whether it is new.
func (s *Store) CreateToken(ctx context.Context, token *models.PaymentToken) (*models.PaymentToken, bool, error) {
	var stored models.PaymentToken
	err := s.db.GetContext(ctx, &stored, `
		INSERT INTO payment_tokens (owner_id, gateway_id, token, card_brand, last4, expiry_month, expiry_year)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (gateway_id, token) DO NOTHING
		RETURNING *`,
		token.OwnerID, token.GatewayID, token.Token, token.CardBrand, token.Last4,
		token.ExpiryMonth, token.ExpiryYear)
	if err == nil {
		return &stored, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to insert token: %w", err)
	}

	err = s.db.GetContext(ctx, &stored,
		"SELECT * FROM payment_tokens WHERE gateway_id = $1 AND token = $2",
		token.GatewayID, token.Token)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing token: %w", err)
	}
	return &stored, false, nil
}

// FindToken returns the owner's most recent token for a gateway
func (s *Store) FindToken(ctx context.Context, ownerID int64, gatewayID string) (*models.PaymentToken, error) {
	var token models.PaymentToken
	err := s.db.GetContext(ctx, &token, `
		SELECT * FROM payment_tokens
		WHERE owner_id = $1 AND gateway_id = $2
		ORDER BY id DESC LIMIT 1`, ownerID, gatewayID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token for owner %d: %w", ownerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// GetToken retrieves a token by ID
func (s *Store) GetToken(ctx context.Context, id int64) (*models.PaymentToken, error) {
	var token models.PaymentToken
	err := s.db.GetContext(ctx, &token, "SELECT * FROM payment_tokens WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DeleteToken removes a token by ID
func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM payment_tokens WHERE id = $1", id)
	return err
}
