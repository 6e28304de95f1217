package service

import (
	"context"
	"errors"
	"fmt"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// TokenService manages cards kept for future charges
type TokenService struct {
	tokens   TokenRepository
	gateways *Registry
	logger   *zap.Logger
}

// NewTokenService creates a new token service
func NewTokenService(tokens TokenRepository, gateways *Registry) *TokenService {
	return &TokenService{
		tokens:   tokens,
		gateways: gateways,
		logger:   util.GetLogger(),
	}
}

// StoreToken keeps the card behind a purchase. It returns nil when the
// purchase carries no token and the existing row when the token is known.
func (ts *TokenService) StoreToken(ctx context.Context, purchase *models.Purchase, ownerID int64, gatewayID string) (_ *models.PaymentToken, err error) {
	ctx, span := util.StartSpan(ctx, "TokenService.StoreToken")
	defer span.End()
	defer func() { util.RecordError(span, err) }()

	tokenID := purchase.TokenID()
	if tokenID == "" {
		return nil, nil
	}

	card := purchase.Card()
	token, created, err := ts.tokens.CreateToken(ctx, &models.PaymentToken{
		OwnerID:     ownerID,
		GatewayID:   gatewayID,
		Token:       tokenID,
		CardBrand:   card.Brand,
		Last4:       card.Last4,
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	if created {
		util.TokensStoredTotal.Inc()
		ts.logger.Info("Payment token stored",
			zap.Int64("token_id", token.ID),
			zap.Int64("owner_id", ownerID),
			util.GatewayID(gatewayID))
	}
	return token, nil
}

// FindToken returns the owner's token for a gateway, or nil
func (ts *TokenService) FindToken(ctx context.Context, ownerID int64, gatewayID string) (*models.PaymentToken, error) {
	token, err := ts.tokens.FindToken(ctx, ownerID, gatewayID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find token: %w", err)
	}
	return token, nil
}

// DeleteToken removes a token at the processor and locally. An unreachable
// processor aborts so the removal can be retried; a processor rejection is
// logged and the local row goes anyway.
func (ts *TokenService) DeleteToken(ctx context.Context, id int64) (err error) {
	ctx, span := util.StartSpan(ctx, "TokenService.DeleteToken")
	defer span.End()
	defer func() { util.RecordError(span, err) }()

	token, err := ts.tokens.GetToken(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: token %d", ErrNoToken, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	if gw, err := ts.gateways.Get(token.GatewayID); err == nil {
		if err := gw.Client.DeleteToken(ctx, token.Token); err != nil {
			if errors.Is(err, processor.ErrUnknownOutcome) {
				return fmt.Errorf("failed to delete remote token: %w", err)
			}
			ts.logger.Warn("Processor refused token deletion",
				zap.Int64("token_id", token.ID),
				zap.Error(err))
		}
	} else {
		ts.logger.Warn("Deleting token of unknown gateway", util.GatewayID(token.GatewayID))
	}

	if err := ts.tokens.DeleteToken(ctx, token.ID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// ChargeWithToken charges a purchase with a stored token. A dead token is
// deleted locally and reported as ErrInvalidRecurringToken; other failures
// leave the token alone.
func (ts *TokenService) ChargeWithToken(ctx context.Context, gw *Gateway, purchaseID string, token *models.PaymentToken) (_ *models.Purchase, err error) {
	ctx, span := util.StartSpan(ctx, "TokenService.ChargeWithToken")
	defer span.End()
	defer func() { util.RecordError(span, err) }()

	charged, err := gw.Client.ChargePayment(ctx, purchaseID, token.Token)
	if err == nil {
		return charged, nil
	}

	if processor.IsInvalidRecurringToken(err) {
		util.TokensInvalidatedTotal.Inc()
		ts.logger.Warn("Recurring token rejected, deleting it",
			zap.Int64("token_id", token.ID),
			util.PurchaseID(purchaseID))
		if delErr := ts.tokens.DeleteToken(ctx, token.ID); delErr != nil {
			ts.logger.Error("Failed to delete invalid token", zap.Int64("token_id", token.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecurringToken, err)
	}

	ts.logger.Warn("Token charge failed",
		zap.Int64("token_id", token.ID),
		util.PurchaseID(purchaseID),
		zap.Error(err))
	return nil, err
}
