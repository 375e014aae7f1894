package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	webhookQueueSize = 1024
	// webhookBatchSize caps how many queued events share one delivery.
	webhookBatchSize = 50
	webhookAttempts  = 3
	// webhookMaxRetryAfter bounds how long a 429 may hold up the queue.
	webhookMaxRetryAfter = 30 * time.Second
	webhookUserAgent     = "chatguard-audit-webhook/1.0"
)

// webhookEvent is one audit event as delivered to the collector.
type webhookEvent struct {
	Event      string            `json:"event"`
	AccountID  string            `json:"account_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// webhookBatch is the JSON body of a delivery.
type webhookBatch struct {
	Events  []webhookEvent `json:"events"`
	Dropped int64          `json:"dropped,omitempty"`
}

// auditWebhook forwards audit events to a collector. enqueue never blocks;
// a background loop groups whatever is queued into batches. Events that do
// not fit in the queue are counted and the count rides on the next batch.
type auditWebhook struct {
	url        string
	headerName string
	headerVal  string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration

	events  chan webhookEvent
	dropped atomic.Int64
	once    sync.Once
	wg      sync.WaitGroup
}

func newAuditWebhook(url, header string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	if name, val, ok := strings.Cut(header, ":"); ok {
		w.headerName = strings.TrimSpace(name)
		w.headerVal = strings.TrimSpace(val)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("queue full, dropping events", "event", evt.Event)
		}
	}
}

// close delivers what is still queued and stops the loop.
func (w *auditWebhook) close() {
	w.once.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.deliver(w.collect(evt))
	}
}

// collect starts a batch with first and adds whatever else is already
// queued, up to webhookBatchSize.
func (w *auditWebhook) collect(first webhookEvent) webhookBatch {
	batch := webhookBatch{Events: []webhookEvent{first}}
	for len(batch.Events) < webhookBatchSize {
		select {
		case evt, ok := <-w.events:
			if !ok {
				return w.withDropped(batch)
			}
			batch.Events = append(batch.Events, evt)
		default:
			return w.withDropped(batch)
		}
	}
	return w.withDropped(batch)
}

func (w *auditWebhook) withDropped(batch webhookBatch) webhookBatch {
	batch.Dropped = w.dropped.Swap(0)
	return batch
}

// deliver POSTs batch. Transport errors, 5xx and 429 are retried with a
// doubling delay; a 429 Retry-After replaces the delay when it is longer.
// Other statuses end the delivery.
func (w *auditWebhook) deliver(batch webhookBatch) {
	body, err := json.Marshal(batch)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	delay := w.retryDelay
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		wait, err := w.post(body)
		if err == nil {
			return
		}
		if wait < 0 || attempt == webhookAttempts {
			w.logger.Warn("delivery abandoned",
				"events", len(batch.Events), "attempt", attempt, "error", err)
			return
		}
		w.logger.Warn("delivery failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(max(delay, wait))
		delay *= 2
	}
}

// post makes one delivery attempt. A non-nil error with wait < 0 must not be
// retried; otherwise wait is the minimum the collector asked for.
func (w *auditWebhook) post(body []byte) (wait time.Duration, err error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerVal)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("collector throttled: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("collector error: status %d", resp.StatusCode)
	default:
		return -1, fmt.Errorf("collector rejected batch: status %d", resp.StatusCode)
	}
}

// parseRetryAfter reads a Retry-After value in seconds, capped at
// webhookMaxRetryAfter. HTTP-date values are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, webhookMaxRetryAfter)
}
