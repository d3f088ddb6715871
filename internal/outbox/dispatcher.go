// Package outbox dispatches outbound side effects produced by gate
// decisions: PR comments posted back to the code host, and signed webhook
// notifications to operator-configured subscribers. It is grounded on
// integrations/webhooks/rewards.go's Dispatcher — a queued worker goroutine
// with capped exponential backoff and an HMAC-signed delivery — generalized
// from the teacher's two fixed reward-epoch event types to an arbitrary
// event-type/payload pair carrying PR review and payout outcomes.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bountyd/internal/codehost"
)

// EventType names a logical outbound webhook topic.
type EventType string

const (
	EventReviewCompleted EventType = "bounty.review.completed"
	EventSafetyFailed    EventType = "bounty.safety.failed"
	EventPayoutSettled   EventType = "bounty.payout.settled"
	EventStakeReturned   EventType = "bounty.stake.returned"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	queueCapacity      = 64
)

type delivery struct {
	eventType EventType
	body      []byte
}

// Dispatcher delivers signed webhook notifications asynchronously and posts
// PR comments synchronously through a codehost.Client.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	codehost    codehost.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

// Option customises Dispatcher construction.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for webhook deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the webhook delivery retry configuration.
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

// New constructs a Dispatcher. webhookEndpoint may be empty, in which case
// EnqueueWebhook is a no-op — outbound webhooks are an optional
// integration, unlike PR comments which are core to the pipeline. With an
// endpoint set and an empty webhookSecret, deliveries are still sent,
// signed with an empty HMAC key.
func New(host codehost.Client, webhookEndpoint string, webhookSecret []byte, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    webhookEndpoint,
		secret:      append([]byte(nil), webhookSecret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		codehost:    host,
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, queueCapacity),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Close stops the dispatcher: it cancels any in-flight delivery, drops
// deliveries still queued, and waits for the worker goroutine to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Comment posts a comment to a pull request synchronously; PR comments are
// part of the gate decision itself and must not be silently dropped the way
// a best-effort webhook can be.
func (d *Dispatcher) Comment(ctx context.Context, prNumber int64, body string) error {
	if d.codehost == nil {
		return errors.New("outbox: no codehost client configured")
	}
	return d.codehost.Comment(ctx, prNumber, body)
}

// EnqueueWebhook queues an outbound webhook notification for asynchronous,
// retried delivery. A missing endpoint is treated as "webhooks disabled"
// rather than an error.
func (d *Dispatcher) EnqueueWebhook(eventType EventType, payload any) error {
	if d.endpoint == "" {
		return nil
	}
	data, err := json.Marshal(struct {
		Type EventType `json:"type"`
		Data any       `json:"data"`
	}{Type: eventType, Data: payload})
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{eventType: eventType, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("outbox: dispatcher closed")
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
	req.Header.Set("X-Bountyd-Event", string(job.eventType))
	req.Header.Set("X-Bountyd-Signature", d.sign(job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("outbox: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
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
