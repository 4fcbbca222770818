package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrSessionOver is returned by a Reporter when the server says the attempt
// has ended. The monitor stops instead of retrying.
var ErrSessionOver = errors.New("session is over")

// Reporter sends monitor output to the server.
type Reporter interface {
	ReportViolation(ctx context.Context, category model.ViolationCategory) (*model.ViolationOutcome, error)
	Abandon(ctx context.Context) error
}

// Confirmer asks the student whether they really want to leave the quiz.
type Confirmer func(ctx context.Context) bool

// Config wires a monitor.
type Config struct {
	Reporter Reporter
	Confirm  Confirmer
	Signals  <-chan Signal
	Log      zerolog.Logger

	// MaxTries bounds delivery attempts of one report; zero means 5.
	MaxTries uint
	// InitialBackoff is the first retry delay; zero means 200ms.
	InitialBackoff time.Duration
}

// StopReason says why a monitor stopped.
type StopReason string

const (
	StopRequested  StopReason = "stopped"
	StopTerminated StopReason = "terminated"
	StopAbandoned  StopReason = "abandoned"
	StopSessionEnd StopReason = "session_over"
	StopNoSignals  StopReason = "signals_closed"
)

// Handle owns a running monitor. Stop must be called once the session ends;
// calling it again is harmless.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason StopReason
	last   *model.ViolationOutcome
}

// Start begins consuming cfg.Signals until the session ends, the channel is
// closed, ctx is cancelled, or Stop is called.
func Start(ctx context.Context, cfg Config) *Handle {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Confirm == nil {
		cfg.Confirm = func(context.Context) bool { return false }
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	m := &runner{cfg: cfg, h: h, log: cfg.Log.With().Str("component", "client_monitor").Logger()}
	go func() {
		defer close(h.done)
		h.finish(m.run(ctx))
	}()
	return h
}

// Stop releases the monitor and waits for it to exit.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.cancel()
	})
	<-h.done
}

// Done is closed once the monitor has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Reason reports why the monitor stopped. It is empty while running.
func (h *Handle) Reason() StopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// LastOutcome is the most recent accepted server answer, if any.
func (h *Handle) LastOutcome() *model.ViolationOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Handle) finish(r StopReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reason = r
}

func (h *Handle) record(o *model.ViolationOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = o
}

type runner struct {
	cfg        Config
	h          *Handle
	classifier Classifier
	log        zerolog.Logger
}

func (m *runner) run(ctx context.Context) StopReason {
	for {
		select {
		case <-ctx.Done():
			return StopRequested
		case sig, ok := <-m.cfg.Signals:
			if !ok {
				return StopNoSignals
			}
			if reason, stop := m.handle(ctx, sig); stop {
				return reason
			}
		}
	}
}

func (m *runner) handle(ctx context.Context, sig Signal) (StopReason, bool) {
	d := m.classifier.Classify(sig)
	switch {
	case d.Navigate:
		if !m.cfg.Confirm(ctx) {
			return "", false
		}
		err := m.retry(ctx, func() (struct{}, error) {
			return struct{}{}, m.cfg.Reporter.Abandon(ctx)
		})
		if err != nil && !errors.Is(err, ErrSessionOver) {
			m.log.Warn().Err(err).Msg("Abandon was not delivered")
		}
		return StopAbandoned, true

	case d.Report:
		var outcome *model.ViolationOutcome
		err := m.retry(ctx, func() (struct{}, error) {
			var err error
			outcome, err = m.cfg.Reporter.ReportViolation(ctx, d.Category)
			return struct{}{}, err
		})
		if errors.Is(err, ErrSessionOver) {
			return StopSessionEnd, true
		}
		if err != nil {
			// Best-effort: a lost report is dropped without bothering the student.
			m.log.Debug().Err(err).Str("category", string(d.Category)).Msg("Violation report dropped")
			return "", false
		}
		m.h.record(outcome)
		if outcome.Terminated {
			return StopTerminated, true
		}
		if !outcome.Accepted && outcome.State.IsTerminal() {
			return StopSessionEnd, true
		}
	}
	return "", false
}

// retry delivers op with exponential backoff. ErrSessionOver is never retried.
func (m *runner) retry(ctx context.Context, op func() (struct{}, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := op()
		if errors.Is(err, ErrSessionOver) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.cfg.MaxTries))
	return err
}
