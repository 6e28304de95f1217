package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/processor"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeOrders is an in-memory OrderRepository with the same guards as the
// SQL store
type fakeOrders struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	items     map[int64][]models.OrderItem
	notes     map[int64][]string
	history   map[int64][]string
	refunds   map[int64]int64
	calls     map[string]int
	mutations int
	loadErr   error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		orders:  map[int64]*models.Order{},
		items:   map[int64][]models.OrderItem{},
		notes:   map[int64][]string{},
		history: map[int64][]string{},
		refunds: map[int64]int64{},
		calls:   map[string]int{},
	}
}

func (f *fakeOrders) add(order *models.Order, items ...models.OrderItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	f.orders[order.ID] = order
	f.items[order.ID] = items
}

func (f *fakeOrders) snapshot(id int64) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOrder(f.orders[id])
}

func (f *fakeOrders) notesFor(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes[id]...)
}

func (f *fakeOrders) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func (f *fakeOrders) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func cloneOrder(o *models.Order) models.Order {
	c := *o
	c.Purchase = append([]byte(nil), o.Purchase...)
	if o.HoldTimestamp != nil {
		t := *o.HoldTimestamp
		c.HoldTimestamp = &t
	}
	return c
}

func (f *fakeOrders) record(method string) {
	f.calls[method]++
}

func (f *fakeOrders) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrderByID")
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	c := cloneOrder(o)
	return &c, nil
}

func (f *fakeOrders) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.items[orderID]...), nil
}

func (f *fakeOrders) SavePurchase(_ context.Context, orderID int64, gatewayID string, p *models.Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SavePurchase")
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	o := f.orders[orderID]
	o.Purchase = snap
	o.PaymentMethod = gatewayID
	f.history[orderID] = append(f.history[orderID], p.ID)
	f.mutations++
	return nil
}

func (f *fakeOrders) RefreshPurchase(_ context.Context, orderID int64, p *models.Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RefreshPurchase")
	o := f.orders[orderID]
	stored, err := o.LastPurchase()
	if err != nil || stored == nil || stored.ID != p.ID {
		return nil
	}
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	o.Purchase = snap
	return nil
}

func (f *fakeOrders) transition(orderID int64, method, note string, guard func(*models.Order) bool, apply func(*models.Order)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(method)
	o, ok := f.orders[orderID]
	if !ok || !guard(o) {
		return false, nil
	}
	apply(o)
	f.mutations++
	if note != "" {
		f.notes[orderID] = append(f.notes[orderID], note)
	}
	return true, nil
}

func (f *fakeOrders) CompletePayment(_ context.Context, orderID int64, txID, note string) (bool, error) {
	return f.transition(orderID, "CompletePayment", note,
		func(o *models.Order) bool { return !o.IsPaid() },
		func(o *models.Order) {
			o.Status = models.OrderStatusProcessing
			o.TransactionID = txID
			o.CanVoid = false
			o.HoldTimestamp = nil
		})
}

func (f *fakeOrders) MarkOnHold(_ context.Context, orderID int64, txID string, holdAt *time.Time, note string) (bool, error) {
	return f.transition(orderID, "MarkOnHold", note,
		func(o *models.Order) bool { return o.Status != models.OrderStatusOnHold && !o.IsPaid() },
		func(o *models.Order) {
			o.Status = models.OrderStatusOnHold
			o.TransactionID = txID
			o.CanVoid = holdAt != nil
			o.HoldTimestamp = holdAt
		})
}

func (f *fakeOrders) MarkPreOrdered(_ context.Context, orderID int64, note string) (bool, error) {
	return f.transition(orderID, "MarkPreOrdered", note,
		func(o *models.Order) bool { return o.Status != models.OrderStatusPreOrdered && !o.IsPaid() },
		func(o *models.Order) { o.Status = models.OrderStatusPreOrdered })
}

func (f *fakeOrders) MarkFailed(_ context.Context, orderID int64, note string) (bool, error) {
	return f.transition(orderID, "MarkFailed", note,
		func(o *models.Order) bool {
			switch o.Status {
			case models.OrderStatusFailed, models.OrderStatusCancelled, models.OrderStatusRefunded:
				return false
			}
			return !o.IsPaid()
		},
		func(o *models.Order) { o.Status = models.OrderStatusFailed })
}

func (f *fakeOrders) MarkCancelled(_ context.Context, orderID int64, note string) (bool, error) {
	return f.transition(orderID, "MarkCancelled", note,
		func(o *models.Order) bool { return o.CanVoid },
		func(o *models.Order) {
			o.Status = models.OrderStatusCancelled
			o.CanVoid = false
			o.HoldTimestamp = nil
		})
}

func (f *fakeOrders) RecordRefund(_ context.Context, orderID int64, _ string, amount int64, _, note string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RecordRefund")
	o := f.orders[orderID]
	f.refunds[orderID] += amount
	f.notes[orderID] = append(f.notes[orderID], note)
	f.mutations++
	if o.Status != models.OrderStatusRefunded && f.refunds[orderID] >= o.MinorTotal() {
		o.Status = models.OrderStatusRefunded
		return true, nil
	}
	return false, nil
}

func (f *fakeOrders) AddOrderNote(_ context.Context, orderID int64, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddOrderNote")
	f.notes[orderID] = append(f.notes[orderID], note)
	f.mutations++
	return nil
}

func (f *fakeOrders) ListPendingOrders(_ context.Context, _ []string, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, o := range f.orders {
		if o.Status == models.OrderStatusPending && o.HasPurchase() && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeTokens is an in-memory TokenRepository unique on gateway and token
type fakeTokens struct {
	mu     sync.Mutex
	nextID int64
	tokens map[int64]*models.PaymentToken
	calls  map[string]int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: map[int64]*models.PaymentToken{}, calls: map[string]int{}}
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeTokens) CreateToken(_ context.Context, t *models.PaymentToken) (*models.PaymentToken, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateToken"]++
	for _, existing := range f.tokens {
		if existing.GatewayID == t.GatewayID && existing.Token == t.Token {
			c := *existing
			return &c, false, nil
		}
	}
	f.nextID++
	stored := *t
	stored.ID = f.nextID
	f.tokens[stored.ID] = &stored
	c := stored
	return &c, true, nil
}

func (f *fakeTokens) FindToken(_ context.Context, ownerID int64, gatewayID string) (*models.PaymentToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *models.PaymentToken
	for _, t := range f.tokens {
		if t.OwnerID == ownerID && t.GatewayID == gatewayID && (found == nil || t.ID > found.ID) {
			found = t
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	c := *found
	return &c, nil
}

func (f *fakeTokens) GetToken(_ context.Context, id int64) (*models.PaymentToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTokens) DeleteToken(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteToken"]++
	delete(f.tokens, id)
	return nil
}

// fakeClient is a scriptable ProcessorClient
type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	noCreds  bool
	requests []*processor.PurchaseRequest
	captured []int64

	createFn  func(req *processor.PurchaseRequest) (*models.Purchase, error)
	getFn     func(id string) (*models.Purchase, error)
	captureFn func(id string, amount int64) (*models.Purchase, error)
	releaseFn func(id string) (*models.Purchase, error)
	refundFn  func(id string, amount int64) (*processor.RefundResult, error)
	chargeFn  func(id, token string) (*models.Purchase, error)
	deleteFn  func(tokenID string) error
	methodsFn func(currency string) (*processor.PaymentMethods, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: map[string]int{}}
}

func (c *fakeClient) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *fakeClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *fakeClient) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
}

func unexpected(op string) error {
	return fmt.Errorf("unexpected %s call", op)
}

func (c *fakeClient) HasCredentials() bool { return !c.noCreds }

func (c *fakeClient) CreatePayment(_ context.Context, req *processor.PurchaseRequest) (*models.Purchase, error) {
	c.record("CreatePayment")
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.createFn == nil {
		return nil, unexpected("create")
	}
	return c.createFn(req)
}

func (c *fakeClient) GetPayment(_ context.Context, id string) (*models.Purchase, error) {
	c.record("GetPayment")
	if c.getFn == nil {
		return nil, unexpected("get")
	}
	return c.getFn(id)
}

func (c *fakeClient) CapturePayment(_ context.Context, id string, amount int64) (*models.Purchase, error) {
	c.record("CapturePayment")
	c.mu.Lock()
	c.captured = append(c.captured, amount)
	c.mu.Unlock()
	if c.captureFn == nil {
		return nil, unexpected("capture")
	}
	return c.captureFn(id, amount)
}

func (c *fakeClient) ReleasePayment(_ context.Context, id string) (*models.Purchase, error) {
	c.record("ReleasePayment")
	if c.releaseFn == nil {
		return nil, unexpected("release")
	}
	return c.releaseFn(id)
}

func (c *fakeClient) RefundPayment(_ context.Context, id string, amount int64) (*processor.RefundResult, error) {
	c.record("RefundPayment")
	if c.refundFn == nil {
		return nil, unexpected("refund")
	}
	return c.refundFn(id, amount)
}

func (c *fakeClient) ChargePayment(_ context.Context, id, token string) (*models.Purchase, error) {
	c.record("ChargePayment")
	if c.chargeFn == nil {
		return nil, unexpected("charge")
	}
	return c.chargeFn(id, token)
}

func (c *fakeClient) DeleteToken(_ context.Context, tokenID string) error {
	c.record("DeleteToken")
	if c.deleteFn == nil {
		return nil
	}
	return c.deleteFn(tokenID)
}

func (c *fakeClient) PaymentMethods(_ context.Context, currency string) (*processor.PaymentMethods, error) {
	c.record("PaymentMethods")
	if c.methodsFn == nil {
		return nil, unexpected("payment_methods")
	}
	return c.methodsFn(currency)
}

// fakeQueue keeps the latest job per key
type fakeQueue struct {
	mu        sync.Mutex
	pending   map[string]*models.Job
	scheduled []models.Job
	cancelled []string
	err       error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: map[string]*models.Job{}}
}

func (q *fakeQueue) Schedule(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	c := *job
	q.pending[job.Key()] = &c
	q.scheduled = append(q.scheduled, c)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
	q.cancelled = append(q.cancelled, key)
	return nil
}

func (q *fakeQueue) job(key string) *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.pending[key]; ok {
		c := *j
		return &c
	}
	return nil
}

func (q *fakeQueue) scheduledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled)
}

// fakeEvents records published events
type fakeEvents struct {
	mu     sync.Mutex
	events []models.PaymentEvent
	err    error
}

func (e *fakeEvents) PublishPaymentEvent(_ context.Context, event *models.PaymentEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return e.err
}

func (e *fakeEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.EventType)
	}
	return out
}

// memLocker is an in-process OrderLocker
type memLocker struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	err   error
}

func newMemLocker() *memLocker {
	return &memLocker{locks: map[int64]*sync.Mutex{}}
}

func (l *memLocker) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return l.err
	}
	m, ok := l.locks[orderID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[orderID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// memMethodCache is an in-memory MethodCache
type memMethodCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memMethodCache) GetPaymentMethods(_ context.Context, gatewayID, currency string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[gatewayID+":"+currency]
	return v, ok, nil
}

func (c *memMethodCache) SetPaymentMethods(_ context.Context, gatewayID, currency, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[gatewayID+":"+currency] = value
	return nil
}

// fixture wires a PaymentService over fakes
type fixture struct {
	svc     *PaymentService
	orders  *fakeOrders
	tokens  *fakeTokens
	client  *fakeClient
	queue   *fakeQueue
	events  *fakeEvents
	methods *memMethodCache
	locker  *memLocker
	key     *rsa.PrivateKey
	now     time.Time
}

var testGateways = []config.GatewayConfig{
	{ID: "chip"},
	{ID: "chip_card", PaymentMethods: []string{"visa", "mastercard", "maestro"}, DelayedCapture: true},
	{ID: "chip_fpx", PaymentMethods: []string{"fpx"}},
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	require.NotNil(t, testKey)
	return testKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		orders:  newFakeOrders(),
		tokens:  newFakeTokens(),
		client:  newFakeClient(),
		queue:   newFakeQueue(),
		events:  &fakeEvents{},
		methods: &memMethodCache{},
		locker:  newMemLocker(),
		key:     signingKey(t),
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	registry := NewRegistry()
	verifier := processor.NewVerifier(processor.StaticKey{PublicKey: &f.key.PublicKey})
	for _, gc := range testGateways {
		registry.Register(&Gateway{Config: gc, Client: f.client, Verifier: verifier})
	}

	requery := NewRequeryScheduler(f.queue, time.Hour, 8)
	requery.now = func() time.Time { return f.now }

	f.svc = NewPaymentService(
		f.orders,
		registry,
		f.locker,
		NewTokenService(f.tokens, registry),
		requery,
		f.events,
		f.methods,
		Options{
			PublicURL:  "https://shop.example",
			ReceiptURL: "https://shop.example/receipt/{order_id}",
			FailureURL: "https://shop.example/checkout?failed={order_id}",
		},
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// transportErr mimics a timed out processor call
func transportErr(op string) error {
	return &processor.TransportError{Op: op, Err: errors.New("context deadline exceeded")}
}

// apiErr mimics a processor error envelope
func apiErr(op, field, code, message string) error {
	return &processor.APIError{
		Op:         op,
		StatusCode: 400,
		Errors:     []processor.FieldError{{Field: field, Code: code, Message: message}},
	}
}

// testOrder is a pending 10.00 MYR order
func testOrder(id int64, gatewayID string) *models.Order {
	return &models.Order{
		ID:            id,
		UserID:        7,
		Total:         decimal.RequireFromString("10.00"),
		Currency:      "MYR",
		PaymentMethod: gatewayID,
		Status:        models.OrderStatusPending,
		Billing: models.Address{
			FirstName: "Aminah",
			LastName:  "Yusof",
			Email:     "aminah@example.com",
			Country:   "my",
		},
	}
}

// withPurchase stores a purchase snapshot on an order
func withPurchase(t *testing.T, order *models.Order, p *models.Purchase) *models.Order {
	t.Helper()
	snap, err := p.Snapshot()
	require.NoError(t, err)
	order.Purchase = snap
	return order
}

// signed encodes a purchase and signs it with the fixture key
func (f *fixture) signed(t *testing.T, p *models.Purchase) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return body, base64.StdEncoding.EncodeToString(sig)
}
