package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/prompt"
)

// Observer is told about every stream that reaches a terminal state.
type Observer func(key string, r Result)

// Orchestrator runs model streams, at most one per key.
type Orchestrator struct {
	model  ai.Model
	cfg    config.GenerationConfig
	logger *zap.Logger

	// backoffFactory is swapped in tests for a zero-delay policy.
	backoffFactory func() backoff.BackOff
	observer       Observer

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu     sync.Mutex
	active *Stream
}

type Option func(*Orchestrator)

// WithObserver registers a hook for terminal results.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func New(model ai.Model, cfg config.GenerationConfig, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 120 * time.Second
	}
	o := &Orchestrator{
		model:  model,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
		slots:  make(map[string]*slot),
	}
	o.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if cfg.InitialBackoff > 0 {
			b.InitialInterval = cfg.InitialBackoff
		}
		if cfg.MaxBackoff > 0 {
			b.MaxInterval = cfg.MaxBackoff
		}
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) slot(key string) *slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.slots[key]
	if !ok {
		s = &slot{}
		o.slots[key] = s
	}
	return s
}

// Start cancels any stream still running under key, waits for it to end, then
// opens a new one. The stream ends when ctx is done.
func (o *Orchestrator) Start(ctx context.Context, key string, req ai.GenerationRequest) (*Stream, error) {
	sl := o.slot(key)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if prev := sl.active; prev != nil && !prev.State().Terminal() {
		o.logger.Info("superseding active stream", zap.String("key", key), zap.String("stream", prev.ID))
		prev.Cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newStream(uuid.NewString(), key, cancel)
	sl.active = s
	go o.run(sctx, s, req)

	o.logger.Debug("stream started",
		zap.String("key", key),
		zap.String("stream", s.ID),
		zap.Int("images", len(req.Images)),
		zap.Int("prior_turns", len(req.PriorTurns)))
	return s, nil
}

// Continue asks for a refinement of priorDocument. The request carries the whole
// conversation; the model keeps no memory between calls.
func (o *Orchestrator) Continue(ctx context.Context, key string, base ai.GenerationRequest, priorDocument, followUp string) (*Stream, error) {
	turns := make([]ai.Turn, 0, len(base.PriorTurns)+2)
	turns = append(turns, base.PriorTurns...)
	if len(turns) == 0 && base.Prompt != "" {
		turns = append(turns, ai.Turn{Role: ai.RoleUser, Text: base.Prompt})
	}
	turns = append(turns, ai.Turn{Role: ai.RoleUser, Text: prompt.FollowUp(followUp, priorDocument)})

	req := ai.GenerationRequest{
		System:     base.System,
		Images:     base.Images,
		PriorTurns: turns,
	}
	return o.Start(ctx, key, req)
}

// Cancel stops the active stream under key. It reports whether one was running.
func (o *Orchestrator) Cancel(key string) bool {
	sl := o.slot(key)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.active == nil || sl.active.State().Terminal() {
		return false
	}
	sl.active.Cancel()
	return true
}

// Active returns the running stream under key, if any.
func (o *Orchestrator) Active(key string) (*Stream, bool) {
	sl := o.slot(key)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.active == nil || sl.active.State().Terminal() {
		return nil, false
	}
	return sl.active, true
}

type event struct {
	frag string
	err  error
	eof  bool
}

// source owns the open transport so teardown can close it while Recv blocks.
type source struct {
	mu     sync.Mutex
	fs     ai.FragmentStream
	closed bool
}

func (src *source) set(fs ai.FragmentStream) bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.closed {
		_ = fs.Close()
		return false
	}
	if src.fs != nil {
		_ = src.fs.Close()
	}
	src.fs = fs
	return true
}

func (src *source) close() {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.closed = true
	if src.fs != nil {
		_ = src.fs.Close()
		src.fs = nil
	}
}

func (o *Orchestrator) run(ctx context.Context, s *Stream, req ai.GenerationRequest) {
	started := time.Now()
	defer func() {
		close(s.fragments)
		r := s.Result()
		o.logResult(s, r, time.Since(started))
		if o.observer != nil {
			o.observer(s.Key, r)
		}
		close(s.done)
	}()

	src := &source{}
	events := make(chan event)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		o.read(ctx, src, req, events)
	}()
	defer func() {
		s.cancel()
		src.close()
		<-readerDone
	}()

	timer := time.NewTimer(o.cfg.InactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			s.finish(StateCancelled, nil)
			return
		case <-ctx.Done():
			finishDone(ctx, s)
			return
		case <-timer.C:
			s.finish(StateErrored, fmt.Errorf("no fragment within %s: %w", o.cfg.InactivityTimeout, ai.ErrTimeout))
			return
		case ev := <-events:
			switch {
			case ev.eof:
				s.finish(StateCompleted, nil)
				return
			case ev.err != nil:
				if ctx.Err() != nil {
					finishDone(ctx, s)
				} else {
					s.finish(StateErrored, ev.err)
				}
				return
			}

			s.streaming()
			select {
			case s.fragments <- ev.frag:
				s.appendText(ev.frag)
			case <-s.stop:
				s.finish(StateCancelled, nil)
				return
			case <-ctx.Done():
				finishDone(ctx, s)
				return
			}
			timer.Reset(o.cfg.InactivityTimeout)
		}
	}
}

// finishDone ends s after ctx is done. A caller deadline is a timeout, anything
// else a cancel.
func finishDone(ctx context.Context, s *Stream) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.finish(StateErrored, fmt.Errorf("request deadline exceeded: %w: %w", ai.ErrTimeout, ctx.Err()))
		return
	}
	s.finish(StateCancelled, nil)
}

// read opens the transport, retrying only until the first fragment, then relays.
func (o *Orchestrator) read(ctx context.Context, src *source, req ai.GenerationRequest, events chan<- event) {
	send := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		fs    ai.FragmentStream
		first string
		eof   bool
		tries int
	)
	op := func() error {
		tries++
		stream, err := o.model.Stream(ctx, req)
		if err != nil {
			return o.retryable(err, tries)
		}
		if !src.set(stream) {
			return backoff.Permanent(context.Canceled)
		}
		frag, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			eof = true
		case err != nil:
			return o.retryable(err, tries)
		}
		fs, first = stream, frag
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(o.backoffFactory(), uint64(max(o.cfg.MaxRetries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		send(event{err: err})
		return
	}
	if eof {
		send(event{eof: true})
		return
	}
	if !send(event{frag: first}) {
		return
	}

	for {
		frag, err := fs.Recv()
		if errors.Is(err, io.EOF) {
			send(event{eof: true})
			return
		}
		if err != nil {
			// Never retried: part of the answer is already with the caller.
			send(event{err: err})
			return
		}
		if !send(event{frag: frag}) {
			return
		}
	}
}

func (o *Orchestrator) retryable(err error, attempt int) error {
	if !ai.Retryable(err) {
		return backoff.Permanent(err)
	}
	o.logger.Warn("model unavailable before first fragment, retrying",
		zap.Int("attempt", attempt),
		zap.Error(err))
	return err
}

func (o *Orchestrator) logResult(s *Stream, r Result, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("key", s.Key),
		zap.String("stream", s.ID),
		zap.String("state", string(r.State)),
		zap.Int("chars", len(r.Text)),
		zap.Duration("elapsed", elapsed),
	}
	switch r.State {
	case StateErrored:
		o.logger.Error("stream errored", append(fields, zap.Error(r.Err))...)
	case StateCancelled:
		o.logger.Info("stream cancelled", fields...)
	default:
		o.logger.Info("stream completed", fields...)
	}
}
