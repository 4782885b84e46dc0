package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

var tracer = otel.Tracer("telehealth.internal.payments")

// FakeGateway accepts every checkout and hands out redirect URLs on the local
// server. Initiate and Refund are idempotent per key.
type FakeGateway struct {
	baseURL string
	log     *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	checkouts map[string]*Checkout // by idempotency key
	refunds   map[string]*Refund   // by idempotency key
	known     map[string]struct{}  // references issued
	failNext  error
	initiated int
}

// NewGateway returns the fake gateway when allowed. No real processor is wired.
func NewGateway(allowFake bool, baseURL string, logger *zap.Logger) (Gateway, error) {
	if !allowFake {
		return nil, ErrFakePaymentsDisabled
	}
	return NewFakeGateway(baseURL, logger), nil
}

func NewFakeGateway(baseURL string, logger *zap.Logger) *FakeGateway {
	return &FakeGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       logging.OrNop(logger),
		now:       time.Now,
		checkouts: make(map[string]*Checkout),
		refunds:   make(map[string]*Refund),
		known:     make(map[string]struct{}),
	}
}

// FailNext makes the next gateway call return err.
func (g *FakeGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// Initiated counts distinct checkouts created.
func (g *FakeGateway) Initiated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiated
}

// Refunds returns the refunds issued so far.
func (g *FakeGateway) Refunds() []Refund {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Refund, 0, len(g.refunds))
	for _, r := range g.refunds {
		out = append(out, *r)
	}
	return out
}

func (g *FakeGateway) Initiate(ctx context.Context, req InitiateRequest) (*Checkout, error) {
	_, span := tracer.Start(ctx, "fake.initiate_checkout")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.idempotency_key", req.IdempotencyKey),
		attribute.String("payment.amount", req.Amount.StringFixed(2)),
		attribute.String("payment.currency", req.Currency),
	)

	if req.Amount.IsNegative() {
		span.SetStatus(codes.Error, "negative amount")
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if c, ok := g.checkouts[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		out := *c
		return &out, nil
	}

	ref := "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	token := uuid.NewString()
	c := &Checkout{
		Reference:   ref,
		Token:       token,
		RedirectURL: fmt.Sprintf("%s/payments/fake/%s?token=%s", g.baseURL, ref, token),
		Amount:      req.Amount,
		Currency:    req.Currency,
		CreatedAt:   g.now().UTC(),
	}
	g.known[ref] = struct{}{}
	g.initiated++
	if req.IdempotencyKey != "" {
		g.checkouts[req.IdempotencyKey] = c
	}

	g.log.Info("fake checkout created",
		zap.String("reference", ref),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("currency", req.Currency),
	)

	out := *c
	return &out, nil
}

func (g *FakeGateway) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	_, span := tracer.Start(ctx, "fake.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.reference", req.Reference),
		attribute.String("payment.amount", req.Amount.StringFixed(2)),
	)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if _, ok := g.known[req.Reference]; !ok {
		span.SetStatus(codes.Error, "unknown reference")
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, req.Reference)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "refund:" + req.Reference
	}
	if r, ok := g.refunds[key]; ok {
		out := *r
		return &out, nil
	}

	r := &Refund{
		ID:        "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: g.now().UTC(),
	}
	g.refunds[key] = r

	g.log.Info("fake refund issued",
		zap.String("refund_id", r.ID),
		zap.String("reference", req.Reference),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("reason", req.Reason),
	)

	out := *r
	return &out, nil
}

func (g *FakeGateway) takeFailure() error {
	err := g.failNext
	g.failNext = nil
	return err
}
