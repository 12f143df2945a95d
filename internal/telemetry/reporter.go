package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("telemetry: delivery queue full")
	ErrClosed    = errors.New("telemetry: reporter stopped")
)

// StatusError is returned for a collector response outside 2xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded %d %s", e.Code, http.StatusText(e.Code))
}

// Sink receives transient, human-readable delivery problems.
type Sink interface {
	Notify(msg string)
}

// Journal records the outcome of every delivery attempt.
type Journal interface {
	Record(o Outcome)
}

// Outcome describes one finished delivery.
type Outcome struct {
	At         time.Time
	Report     Report
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Config holds reporter configuration.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// QueueLimit caps pending reports; 0 leaves the queue unbounded.
	QueueLimit int
}

// Stats is a point-in-time view of the delivery pipeline.
type Stats struct {
	Pending      int       `json:"pending"`
	Enqueued     uint64    `json:"enqueued"`
	Delivered    uint64    `json:"delivered"`
	Failed       uint64    `json:"failed"`
	Dropped      uint64    `json:"dropped"`
	LastStatus   int       `json:"lastStatus"`
	LastError    string    `json:"lastError,omitempty"`
	LastDelivery time.Time `json:"lastDelivery"`
}

// Reporter delivers reports to the collector from a single worker goroutine.
//
// Send appends to an in-memory FIFO and returns immediately; Run drains it one
// report at a time. With no QueueLimit the queue grows without bound while
// the collector is slow or unreachable; Stats().Pending exposes the backlog.
type Reporter struct {
	url     string
	client  *http.Client
	timeout time.Duration // whole exchange: connect + read
	sink    Sink
	journal Journal
	limit   int

	mu          sync.Mutex
	queue       []Report
	closed      bool
	overflowing bool
	stats       Stats

	wake chan struct{}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithJournal records every delivery outcome to j.
func WithJournal(j Journal) Option {
	return func(r *Reporter) { r.journal = j }
}

// WithHTTPClient replaces the default timeout-bounded client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// New creates a reporter. Zero timeouts default to 5 seconds each.
func New(cfg Config, sink Sink, opts ...Option) *Reporter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	r := &Reporter{
		url:     cfg.URL,
		client:  newClient(cfg.ConnectTimeout, cfg.ReadTimeout),
		timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		sink:    sink,
		limit:   cfg.QueueLimit,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newClient(connect, read time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = read
	return &http.Client{Transport: transport}
}

// Send enqueues a report for delivery. It never blocks on the network.
func (r *Reporter) Send(rep Report) {
	if err := r.enqueue(rep); err != nil {
		log.Printf("[telemetry] report dropped: %v", err)
	}
}

func (r *Reporter) enqueue(rep Report) error {
	r.mu.Lock()
	if r.closed {
		r.stats.Dropped++
		r.mu.Unlock()
		return ErrClosed
	}
	if r.limit > 0 && len(r.queue) >= r.limit {
		r.stats.Dropped++
		first := !r.overflowing
		r.overflowing = true
		r.mu.Unlock()
		if first && r.sink != nil {
			r.sink.Notify(fmt.Sprintf("Kolejka wysyłania pełna (%d), pomijam raporty", r.limit))
		}
		return ErrQueueFull
	}
	r.queue = append(r.queue, rep)
	r.stats.Enqueued++
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns current pipeline counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.queue)
	return s
}

// Run consumes the queue until ctx is cancelled. A delivery that has started
// is not interrupted by cancellation; it ends on response or timeout.
func (r *Reporter) Run(ctx context.Context) {
	log.Printf("[telemetry] delivering to %s", r.url)
	defer r.stop()

	for {
		rep, ok := r.next(ctx)
		if !ok {
			return
		}
		r.deliver(context.WithoutCancel(ctx), rep)
	}
}

func (r *Reporter) next(ctx context.Context) (Report, bool) {
	for {
		if ctx.Err() != nil {
			return Report{}, false
		}

		r.mu.Lock()
		if len(r.queue) > 0 {
			rep := r.queue[0]
			r.queue[0] = Report{}
			r.queue = r.queue[1:]
			if r.limit > 0 && len(r.queue) < r.limit {
				r.overflowing = false
			}
			r.mu.Unlock()
			return rep, true
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Report{}, false
		case <-r.wake:
		}
	}
}

func (r *Reporter) stop() {
	r.mu.Lock()
	r.closed = true
	abandoned := len(r.queue)
	r.stats.Dropped += uint64(abandoned)
	r.queue = nil
	r.mu.Unlock()

	if abandoned > 0 {
		log.Printf("[telemetry] stopped with %d undelivered reports", abandoned)
	} else {
		log.Printf("[telemetry] stopped")
	}
}

func (r *Reporter) deliver(ctx context.Context, rep Report) {
	start := time.Now()
	code, err := r.post(ctx, rep)
	elapsed := time.Since(start)

	if r.journal != nil {
		r.journal.Record(Outcome{
			At:         start,
			Report:     rep,
			StatusCode: code,
			Duration:   elapsed,
			Err:        err,
		})
	}

	if err != nil {
		log.Printf("[telemetry] delivery failed after %v: %v", elapsed.Round(time.Millisecond), err)
		if r.sink != nil {
			r.sink.Notify("Błąd wysyłania: " + err.Error())
		}
	} else {
		log.Printf("[telemetry] sent: %d", code)
	}

	// Counters move last so a reader that sees them also sees the side effects.
	r.mu.Lock()
	r.stats.LastStatus = code
	r.stats.LastDelivery = start
	if err != nil {
		r.stats.Failed++
		r.stats.LastError = err.Error()
	} else {
		r.stats.Delivered++
		r.stats.LastError = ""
	}
	r.mu.Unlock()
}

// post performs one POST and returns the status code observed, if any.
func (r *Reporter) post(ctx context.Context, rep Report) (int, error) {
	body, err := rep.Encode()
	if err != nil {
		return 0, err
	}

	// ResponseHeaderTimeout stops at the headers; this bounds the body too.
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", r.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
