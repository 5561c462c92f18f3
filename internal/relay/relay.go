// Package relay forwards inbound notification callbacks to an
// operator-configured receiver over a bounded worker pool.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vidmesh/sentinel/internal/config"
	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
)

const userAgentPrefix = "OpenVidu-Relay/"

// statusSetter is the slice of the registry the relay needs for the
// terminal-status shortcut.
type statusSetter interface {
	SetStatus(ctx context.Context, id string, status domain.Status) error
}

// Ack is the immediate response to an inbound notification.
type Ack struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Status is the operator-visible relay state.
type Status struct {
	Enabled       bool      `json:"enabled"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Total         int64     `json:"total"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	SuccessRate   float64   `json:"success_rate"`
	LastRequestAt time.Time `json:"last_request_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	QueueDepth    int       `json:"queue_depth"`
	Workers       int       `json:"workers"`
}

// delivery is one forward scheduled on the pool.
type delivery struct {
	id     string
	method string
	body   []byte
	header http.Header
}

// Relay owns the worker pool and the outbound HTTP client. Core workers
// are resident; when the queue is full extra workers are started up to
// the configured maximum, and past that the submitting goroutine runs
// the delivery itself.
type Relay struct {
	cfg       config.RelayConfig
	serviceID string
	registry  statusSetter
	client    *http.Client
	defaults  http.Header
	sleep     func(time.Duration)

	jobs chan *delivery
	wg   sync.WaitGroup

	poolMu  sync.Mutex
	workers int

	stateMu sync.RWMutex
	closed  bool

	total       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	lastRequest atomic.Int64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// New creates a Relay and starts the core workers.
func New(cfg config.RelayConfig, serviceID string, reg statusSetter) *Relay {
	r := &Relay{
		cfg:       cfg,
		serviceID: serviceID,
		registry:  reg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		defaults: parseHeaderList(cfg.Headers),
		sleep:    time.Sleep,
		jobs:     make(chan *delivery, cfg.Pool.Queue),
	}

	for i := 0; i < cfg.Pool.Core; i++ {
		r.workers++
		r.wg.Add(1)
		go r.coreWorker()
	}
	return r
}

// Enabled reports whether deliveries are being forwarded.
func (r *Relay) Enabled() bool {
	return r.cfg.Enabled && r.cfg.URL != ""
}

// Receive handles one inbound notification. The terminal-status
// shortcut runs synchronously; the forward is scheduled on the pool and
// the ack returns immediately.
func (r *Relay) Receive(ctx context.Context, method string, body []byte, inbound http.Header) Ack {
	r.shortcut(ctx, body)

	if !r.Enabled() {
		return Ack{Status: "disabled"}
	}

	d := &delivery{
		id:     uuid.NewString(),
		method: method,
		body:   body,
		header: r.buildHeaders(inbound),
	}
	r.dispatch(d)
	return Ack{Status: "accepted", DeliveryID: d.id}
}

// Status returns a metrics snapshot.
func (r *Relay) Status() Status {
	total := r.total.Load()
	successes := r.successes.Load()

	rate := 0.0
	if total > 0 {
		rate = float64(successes) / float64(total)
	}

	r.poolMu.Lock()
	workers := r.workers
	r.poolMu.Unlock()

	return Status{
		Enabled:       r.Enabled(),
		Endpoint:      r.cfg.URL,
		Total:         total,
		Successes:     successes,
		Failures:      r.failures.Load(),
		SuccessRate:   rate,
		LastRequestAt: nanoTime(r.lastRequest.Load()),
		LastSuccessAt: nanoTime(r.lastSuccess.Load()),
		LastFailureAt: nanoTime(r.lastFailure.Load()),
		QueueDepth:    len(r.jobs),
		Workers:       workers,
	}
}

// Shutdown stops accepting deliveries and waits up to grace for the
// pool to drain.
func (r *Relay) Shutdown(grace time.Duration) {
	r.stateMu.Lock()
	if r.closed {
		r.stateMu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logging.Op().Warn("relay shutdown grace expired with deliveries in flight")
	}
}

// shortcut applies the synchronous session-status update when the
// payload reports a stopped recording. Failures only get logged.
func (r *Relay) shortcut(ctx context.Context, body []byte) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	status, _ := payload["status"].(string)
	if status != "stopped" {
		return
	}

	id, _ := payload["id"].(string)
	if id == "" {
		id, _ = payload["uniqueSessionId"].(string)
	}
	if id == "" {
		return
	}

	if err := r.registry.SetStatus(ctx, id, domain.StatusStopping); err != nil {
		logging.Op().Warn("relay status shortcut failed", "session", id, "error", err)
	} else {
		logging.Op().Info("session marked stopping from notification", "session", id)
	}
}

// dispatch queues the delivery, scaling a transient worker when the
// queue is full, and falls back to running it on the caller.
func (r *Relay) dispatch(d *delivery) {
	r.stateMu.RLock()
	if r.closed {
		r.stateMu.RUnlock()
		r.deliver(d)
		return
	}

	select {
	case r.jobs <- d:
		r.stateMu.RUnlock()
		return
	default:
	}

	r.poolMu.Lock()
	if r.workers < r.cfg.Pool.Max {
		r.workers++
		r.poolMu.Unlock()
		r.wg.Add(1)
		go r.transientWorker(d)
		r.stateMu.RUnlock()
		return
	}
	r.poolMu.Unlock()
	r.stateMu.RUnlock()

	// Pool saturated: caller-runs backpressure.
	r.deliver(d)
}

func (r *Relay) coreWorker() {
	defer r.wg.Done()
	for d := range r.jobs {
		r.deliver(d)
	}
}

// transientWorker runs its seed delivery, then drains the queue until
// it is momentarily empty and retires.
func (r *Relay) transientWorker(seed *delivery) {
	defer r.wg.Done()
	defer func() {
		r.poolMu.Lock()
		r.workers--
		r.poolMu.Unlock()
	}()

	r.deliver(seed)
	for {
		select {
		case d, ok := <-r.jobs:
			if !ok {
				return
			}
			r.deliver(d)
		default:
			return
		}
	}
}

// deliver runs the retry loop for one forward.
func (r *Relay) deliver(d *delivery) {
	metrics.Global().RelayInFlight.Inc()
	defer metrics.Global().RelayInFlight.Dec()

	r.total.Add(1)
	r.lastRequest.Store(time.Now().UnixNano())

	maxAttempts := r.cfg.Retries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	baseDelay := time.Duration(r.cfg.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := r.attempt(d)
		switch {
		case err == nil && code >= 200 && code < 300:
			metrics.Global().RelayAttempts.WithLabelValues("success").Inc()
			r.successes.Add(1)
			r.lastSuccess.Store(time.Now().UnixNano())
			logging.Op().Debug("notification delivered",
				"delivery", d.id, "status", code, "attempt", attempt)
			return
		case err == nil && code >= 400 && code < 500:
			metrics.Global().RelayAttempts.WithLabelValues("terminal").Inc()
			r.failures.Add(1)
			r.lastFailure.Store(time.Now().UnixNano())
			logging.Op().Warn("notification rejected by receiver",
				"delivery", d.id, "status", code)
			return
		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("receiver returned %d", code)
		}
		metrics.Global().RelayAttempts.WithLabelValues("retryable").Inc()

		if attempt < maxAttempts {
			delay := baseDelay << (attempt - 1)
			if delay > 10*baseDelay {
				delay = 10 * baseDelay
			}
			r.sleep(delay)
		}
	}

	r.failures.Add(1)
	r.lastFailure.Store(time.Now().UnixNano())
	logging.Op().Error("notification delivery exhausted",
		"delivery", d.id, "attempts", maxAttempts, "error", lastErr)
}

// attempt performs one outbound call and returns the response code.
func (r *Relay) attempt(d *delivery) (int, error) {
	req, err := http.NewRequest(d.method, r.cfg.URL, bytes.NewReader(d.body))
	if err != nil {
		return 0, err
	}
	req.Header = d.header.Clone()
	req.Header.Set("X-Relay-Source", r.serviceID)
	req.Header.Set("X-Relay-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// buildHeaders merges the configured defaults with the forwardable
// subset of the inbound headers.
func (r *Relay) buildHeaders(inbound http.Header) http.Header {
	h := r.defaults.Clone()
	if h == nil {
		h = make(http.Header)
	}

	ct := inbound.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)

	ua := inbound.Get("User-Agent")
	if ua == "" {
		ua = r.serviceID
	}
	h.Set("User-Agent", userAgentPrefix+ua)

	for name, values := range inbound {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "openvidu-") || strings.HasPrefix(lower, "x-openvidu-") {
			for _, v := range values {
				h.Add(name, v)
			}
		}
	}
	return h
}

// parseHeaderList parses a "K1:V1,K2:V2" default header list.
func parseHeaderList(raw string) http.Header {
	h := make(http.Header)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		h.Set(name, value)
	}
	return h
}

func nanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
