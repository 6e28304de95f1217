package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

const (
	defaultFastTimeout = 5 * time.Second
	defaultSlowTimeout = 20 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config holds credentials and timeouts for one processor account
type Config struct {
	BaseURL     string
	SecretKey   string
	BrandID     string
	FastTimeout time.Duration
	SlowTimeout time.Duration
}

// Client is a synchronous wrapper around the processor HTTP API.
// It never retries: only callers know whether a retry is safe.
type Client struct {
	baseURL   string
	secretKey string
	brandID   string
	fast      *http.Client
	slow      *http.Client
	logger    *zap.Logger
}

// NewClient creates a new processor client
func NewClient(cfg Config) *Client {
	fast := cfg.FastTimeout
	if fast <= 0 {
		fast = defaultFastTimeout
	}
	slow := cfg.SlowTimeout
	if slow <= 0 {
		slow = defaultSlowTimeout
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/") + "/",
		secretKey: cfg.SecretKey,
		brandID:   cfg.BrandID,
		fast:      &http.Client{Timeout: fast},
		slow:      &http.Client{Timeout: slow},
		logger:    util.GetLogger(),
	}
}

// HasCredentials reports whether the client can authenticate at all
func (c *Client) HasCredentials() bool {
	return c.secretKey != "" && c.brandID != ""
}

// PurchaseRequest is the body of a create-purchase call
type PurchaseRequest struct {
	BrandID                string        `json:"brand_id"`
	Reference              string        `json:"reference,omitempty"`
	Platform               string        `json:"platform,omitempty"`
	Client                 ClientDetails `json:"client"`
	Purchase               PurchaseBody  `json:"purchase"`
	PaymentMethodWhitelist []string      `json:"payment_method_whitelist,omitempty"`
	SuccessCallback        string        `json:"success_callback,omitempty"`
	SuccessRedirect        string        `json:"success_redirect,omitempty"`
	FailureRedirect        string        `json:"failure_redirect,omitempty"`
	CancelRedirect         string        `json:"cancel_redirect,omitempty"`
	SkipCapture            bool          `json:"skip_capture,omitempty"`
	ForceRecurring         bool          `json:"force_recurring,omitempty"`
}

// ClientDetails is the buyer block of a purchase request
type ClientDetails struct {
	Email                 string `json:"email"`
	FullName              string `json:"full_name,omitempty"`
	Phone                 string `json:"phone,omitempty"`
	StreetAddress         string `json:"street_address,omitempty"`
	City                  string `json:"city,omitempty"`
	ZipCode               string `json:"zip_code,omitempty"`
	State                 string `json:"state,omitempty"`
	Country               string `json:"country,omitempty"`
	ShippingStreetAddress string `json:"shipping_street_address,omitempty"`
	ShippingCity          string `json:"shipping_city,omitempty"`
	ShippingZipCode       string `json:"shipping_zip_code,omitempty"`
	ShippingState         string `json:"shipping_state,omitempty"`
	ShippingCountry       string `json:"shipping_country,omitempty"`
}

// PurchaseBody is the amount block of a purchase request
type PurchaseBody struct {
	Currency      string           `json:"currency"`
	TotalOverride *int64           `json:"total_override,omitempty"`
	Products      []models.Product `json:"products"`
}

// RefundResult is the processor's answer to a refund
type RefundResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Payment struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"payment"`
}

// Succeeded reports whether the refund went through. HTTP status alone is
// not enough.
func (r *RefundResult) Succeeded() bool {
	return r.Status == "success"
}

// PaymentMethods lists what the processor accepts for a brand and currency
type PaymentMethods struct {
	AvailablePaymentMethods []string          `json:"available_payment_methods"`
	Names                   map[string]string `json:"names"`
}

// CreatePayment creates a purchase
func (c *Client) CreatePayment(ctx context.Context, req *PurchaseRequest) (*models.Purchase, error) {
	if req.BrandID == "" {
		req.BrandID = c.brandID
	}
	var purchase models.Purchase
	if err := c.do(ctx, c.slow, "create_payment", http.MethodPost, "purchases/", req, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// GetPayment fetches the current state of a purchase
func (c *Client) GetPayment(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	var purchase models.Purchase
	path := fmt.Sprintf("purchases/%s/", url.PathEscape(purchaseID))
	if err := c.do(ctx, c.fast, "get_payment", http.MethodGet, path, nil, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// CapturePayment settles a held authorization for the given amount
func (c *Client) CapturePayment(ctx context.Context, purchaseID string, amount int64) (*models.Purchase, error) {
	var purchase models.Purchase
	path := fmt.Sprintf("purchases/%s/capture/", url.PathEscape(purchaseID))
	body := map[string]int64{"amount": amount}
	if err := c.do(ctx, c.slow, "capture_payment", http.MethodPost, path, body, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// ReleasePayment voids a held authorization
func (c *Client) ReleasePayment(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	var purchase models.Purchase
	path := fmt.Sprintf("purchases/%s/release/", url.PathEscape(purchaseID))
	if err := c.do(ctx, c.slow, "release_payment", http.MethodPost, path, nil, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// RefundPayment refunds amount minor units of a paid purchase
func (c *Client) RefundPayment(ctx context.Context, purchaseID string, amount int64) (*RefundResult, error) {
	var result RefundResult
	path := fmt.Sprintf("purchases/%s/refund/", url.PathEscape(purchaseID))
	body := map[string]int64{"amount": amount}
	if err := c.do(ctx, c.slow, "refund_payment", http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ChargePayment charges a purchase using a stored recurring token
func (c *Client) ChargePayment(ctx context.Context, purchaseID, token string) (*models.Purchase, error) {
	var purchase models.Purchase
	path := fmt.Sprintf("purchases/%s/charge/", url.PathEscape(purchaseID))
	body := map[string]string{"recurring_token": token}
	if err := c.do(ctx, c.slow, "charge_payment", http.MethodPost, path, body, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// DeleteToken removes a recurring token on the processor side
func (c *Client) DeleteToken(ctx context.Context, tokenID string) error {
	path := fmt.Sprintf("purchases/%s/delete_recurring_token/", url.PathEscape(tokenID))
	return c.do(ctx, c.fast, "delete_token", http.MethodPost, path, nil, nil)
}

// PublicKey fetches the PEM key used to sign callbacks
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	var pem string
	if err := c.do(ctx, c.fast, "public_key", http.MethodGet, "public_key/", nil, &pem); err != nil {
		return "", err
	}
	return strings.ReplaceAll(pem, `\n`, "\n"), nil
}

// PaymentMethods lists payment methods available for currency
func (c *Client) PaymentMethods(ctx context.Context, currency string) (*PaymentMethods, error) {
	q := url.Values{}
	q.Set("brand_id", c.brandID)
	q.Set("currency", currency)

	var methods PaymentMethods
	if err := c.do(ctx, c.fast, "payment_methods", http.MethodGet, "payment_methods/?"+q.Encode(), nil, &methods); err != nil {
		return nil, err
	}
	return &methods, nil
}

// do performs a single request and decodes the response into out
func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, body, out interface{}) (err error) {
	ctx, span := util.StartSpan(ctx, "processor."+op)
	defer span.End()
	defer func() { util.RecordError(span, err) }()

	start := time.Now()
	outcome := "ok"
	defer func() {
		util.ProcessorRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			outcome = "encode_error"
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		outcome = "encode_error"
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		outcome = "transport_error"
		c.logger.Warn("Processor request failed",
			zap.String("operation", op),
			zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		outcome = "transport_error"
		return &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	fieldErrors, isEnvelope := parseErrorEnvelope(respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || isEnvelope {
		outcome = "api_error"
		if !isEnvelope {
			fieldErrors = parseFieldErrors(respBody)
		}
		apiErr := &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Errors:     fieldErrors,
			Body:       truncate(string(respBody), 512),
		}
		c.logger.Warn("Processor returned error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message()))
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		outcome = "decode_error"
		return &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
