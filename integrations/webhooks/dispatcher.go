package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobledger/core/events"
	"jobledger/core/types"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second

	headerEvent     = "X-Jobledger-Event"
	headerSignature = "X-Jobledger-Signature"
)

// Envelope is the webhook body: one marketplace event plus delivery metadata.
type Envelope struct {
	DeliveryID string            `json:"deliveryId"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// Dispatcher delivers marketplace events to an HTTP endpoint with retry and
// exponential backoff. It satisfies events.Emitter so it can sit anywhere in
// the emitter chain.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithLogger overrides the logger used for dropped deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Emit queues the event for delivery. Emission never blocks marketplace
// operations: a full queue or a closed dispatcher drops the event with a log
// line instead of propagating an error into the engine.
func (d *Dispatcher) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := d.Enqueue(evt); err != nil {
		d.logger.Error("webhook: enqueue event", "type", evt.EventType(), "error", err)
	}
}

// Enqueue sends the event asynchronously, reporting queue errors to the
// caller.
func (d *Dispatcher) Enqueue(evt events.Event) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if evt == nil {
		return errors.New("webhook: event required")
	}
	envelope := Envelope{
		DeliveryID: uuid.NewString(),
		Type:       evt.EventType(),
		EmittedAt:  time.Now().UTC(),
	}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			envelope.Attributes = payload.Attributes
		}
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
	}
	select {
	case d.queue <- delivery{eventType: envelope.Type, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook: delivery abandoned", "type", job.eventType, "attempts", attempt, "error", err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, job.eventType)
	req.Header.Set(headerSignature, d.sign(job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
