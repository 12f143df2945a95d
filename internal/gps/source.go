package gps

import (
	"errors"
	"log"
	"sync"
	"time"
)

var ErrAlreadySubscribed = errors.New("gps: already subscribed")

// DefaultSampleInterval is how often the provider is read while subscribed.
const DefaultSampleInterval = time.Second

// Source turns a polled Provider into a subscription that pushes fix batches
// at the requested interval. The first usable fix after Subscribe is pushed
// immediately; after that at most one batch is pushed per interval, holding
// the newest fix seen since the previous batch.
type Source struct {
	provider Provider
	sample   time.Duration

	mu      sync.Mutex
	handler func([]Fix)
	stop    chan struct{}
	done    chan struct{}
}

// NewSource wraps p. A zero sample interval uses DefaultSampleInterval.
func NewSource(p Provider, sample time.Duration) *Source {
	if sample <= 0 {
		sample = DefaultSampleInterval
	}
	return &Source{provider: p, sample: sample}
}

// OnFixes registers the batch handler. Call once before Subscribe.
func (s *Source) OnFixes(fn func([]Fix)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Subscribe starts polling. interval is a hint for how often batches are
// pushed; highAccuracy drops fixes that are not Precise.
func (s *Source) Subscribe(interval time.Duration, highAccuracy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return ErrAlreadySubscribed
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sample := s.sample
	if sample > interval {
		sample = interval
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.poll(interval, sample, highAccuracy, s.handler, s.stop, s.done)

	log.Printf("[gps] subscribed to %s every %v (high accuracy: %v)", s.provider.Name(), interval, highAccuracy)
	return nil
}

// Unsubscribe stops polling and waits for the poller to exit. No batch is
// pushed after it returns.
func (s *Source) Unsubscribe() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Printf("[gps] unsubscribed")
}

// Subscribed reports whether a poller is running.
func (s *Source) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Source) poll(interval, sample time.Duration, highAccuracy bool, handler func([]Fix), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	sampleTicker := time.NewTicker(sample)
	defer sampleTicker.Stop()

	var (
		latest    Fix
		fresh     bool
		lastPush  time.Time
		lastErr   string
		delivered bool
	)

	push := func(now time.Time) {
		if !fresh || handler == nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		handler([]Fix{latest})
		fresh = false
		delivered = true
		lastPush = now
	}

	for {
		fix, err := s.provider.Read()
		now := time.Now()
		switch {
		case err != nil:
			if err.Error() != lastErr {
				log.Printf("[gps] read failed: %v", err)
				lastErr = err.Error()
			}
		case !fix.Valid, highAccuracy && !fix.Precise():
			lastErr = ""
		default:
			lastErr = ""
			latest, fresh = fix, true
		}

		if !delivered || now.Sub(lastPush) >= interval {
			push(now)
		}

		select {
		case <-stop:
			return
		case <-sampleTicker.C:
		}
	}
}
