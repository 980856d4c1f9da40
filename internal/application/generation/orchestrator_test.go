package generation

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptStream returns frags then end (io.EOF when nil). With hold set it blocks
// after the scripted fragments until the context ends.
type scriptStream struct {
	ctx   context.Context
	frags []string
	end   error
	hold  bool
	feed  chan string

	mu     sync.Mutex
	i      int
	closed bool
}

func (s *scriptStream) Recv() (string, error) {
	s.mu.Lock()
	if s.i < len(s.frags) {
		f := s.frags[s.i]
		s.i++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	if s.feed != nil {
		select {
		case f, ok := <-s.feed:
			if !ok {
				return "", io.EOF
			}
			return f, nil
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.hold {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.end != nil {
		return "", s.end
	}
	return "", io.EOF
}

func (s *scriptStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type stubModel struct {
	mu    sync.Mutex
	calls int
	reqs  []ai.GenerationRequest
	open  func(ctx context.Context, call int) (ai.FragmentStream, error)
}

func (m *stubModel) Stream(ctx context.Context, req ai.GenerationRequest) (ai.FragmentStream, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return m.open(ctx, call)
}

func (m *stubModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fixed(frags ...string) *stubModel {
	return &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
		return &scriptStream{ctx: ctx, frags: frags}, nil
	}}
}

func newTestOrchestrator(model ai.Model, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := New(model, config.GenerationConfig{
		InactivityTimeout: 2 * time.Second,
		MaxRetries:        2,
	}, logger, opts...)
	o.backoffFactory = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return o
}

func TestStart_AccumulatesFragmentsInOrder(t *testing.T) {
	o := newTestOrchestrator(fixed("# Find", "ing\n", "Desc..."), nil)

	s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)

	var got []string
	for f := range s.Fragments() {
		got = append(got, f)
	}
	r := s.Wait()

	assert.Equal(t, []string{"# Find", "ing\n", "Desc..."}, got)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "# Finding\nDesc...", r.Text)
	assert.NoError(t, r.Err)
}

func TestStart_EmptyAnswerCompletes(t *testing.T) {
	o := newTestOrchestrator(fixed(), nil)

	s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
	require.NoError(t, err)

	r := Collect(s)
	assert.Equal(t, StateCompleted, r.State)
	assert.Empty(t, r.Text)
}

func TestCancel_NoFragmentAfterReturn(t *testing.T) {
	feed := make(chan string, 16)
	model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
		return &scriptStream{ctx: ctx, feed: feed}, nil
	}}
	o := newTestOrchestrator(model, nil)

	s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
	require.NoError(t, err)

	feed <- "first "
	assert.Equal(t, "first ", <-s.Fragments())
	feed <- "second "
	feed <- "third "

	s.Cancel()

	_, open := <-s.Fragments()
	assert.False(t, open, "fragment delivered after Cancel returned")
	r := s.Result()
	assert.Equal(t, StateCancelled, r.State)
	assert.NoError(t, r.Err)
	assert.Equal(t, "first ", r.Text)

	// cancelling again is harmless
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
}

func TestStart_SupersedesActiveStreamForSameKey(t *testing.T) {
	model := &stubModel{open: func(ctx context.Context, call int) (ai.FragmentStream, error) {
		if call == 1 {
			return &scriptStream{ctx: ctx, frags: []string{"old"}, hold: true}, nil
		}
		return &scriptStream{ctx: ctx, frags: []string{"new"}}, nil
	}}
	o := newTestOrchestrator(model, nil)

	first, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "old", <-first.Fragments())
	assert.Equal(t, StateStreaming, first.State())

	second, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("prior stream still running after Start returned")
	}
	assert.Equal(t, StateCancelled, first.State())
	assert.Equal(t, "old", first.Result().Text)

	r := Collect(second)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "new", r.Text)
}

func TestStart_DifferentKeysRunIndependently(t *testing.T) {
	model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
		return &scriptStream{ctx: ctx, frags: []string{"x"}, hold: true}, nil
	}}
	o := newTestOrchestrator(model, nil)

	a, err := o.Start(context.Background(), "a", ai.GenerationRequest{})
	require.NoError(t, err)
	<-a.Fragments()
	b, err := o.Start(context.Background(), "b", ai.GenerationRequest{})
	require.NoError(t, err)
	<-b.Fragments()

	assert.Equal(t, StateStreaming, a.State())
	assert.Equal(t, StateStreaming, b.State())

	active, ok := o.Active("a")
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)

	assert.True(t, o.Cancel("a"))
	assert.True(t, o.Cancel("b"))
	assert.False(t, o.Cancel("a"))
	assert.False(t, o.Cancel("never-started"))
}

func TestInactivityTimeout(t *testing.T) {
	t.Run("before first fragment", func(t *testing.T) {
		model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
			return &scriptStream{ctx: ctx, hold: true}, nil
		}}
		o := newTestOrchestrator(model, nil)
		o.cfg.InactivityTimeout = 30 * time.Millisecond

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateErrored, r.State)
		assert.ErrorIs(t, r.Err, ai.ErrTimeout)
	})

	t.Run("partial text is kept", func(t *testing.T) {
		model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
			return &scriptStream{ctx: ctx, frags: []string{"## SQLi", "\n"}, hold: true}, nil
		}}
		o := newTestOrchestrator(model, nil)
		o.cfg.InactivityTimeout = 30 * time.Millisecond

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateErrored, r.State)
		assert.ErrorIs(t, r.Err, ai.ErrTimeout)
		assert.Equal(t, "## SQLi\n", r.Text)
	})
}

func TestRetry_OnlyBeforeFirstFragment(t *testing.T) {
	t.Run("open failures are retried", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		model := &stubModel{open: func(ctx context.Context, call int) (ai.FragmentStream, error) {
			if call < 3 {
				return nil, ai.ErrTransportUnavailable
			}
			return &scriptStream{ctx: ctx, frags: []string{"ok"}}, nil
		}}
		o := newTestOrchestrator(model, zap.New(core))

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateCompleted, r.State)
		assert.Equal(t, "ok", r.Text)
		assert.Equal(t, 3, model.Calls())
		assert.Equal(t, 2, logs.FilterMessageSnippet("retrying").Len())
	})

	t.Run("failure on first read is retried", func(t *testing.T) {
		model := &stubModel{open: func(ctx context.Context, call int) (ai.FragmentStream, error) {
			if call == 1 {
				return &scriptStream{ctx: ctx, end: ai.ErrTransportUnavailable}, nil
			}
			return &scriptStream{ctx: ctx, frags: []string{"ok"}}, nil
		}}
		o := newTestOrchestrator(model, nil)

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateCompleted, r.State)
		assert.Equal(t, 2, model.Calls())
	})

	t.Run("retries are bounded", func(t *testing.T) {
		model := &stubModel{open: func(context.Context, int) (ai.FragmentStream, error) {
			return nil, ai.ErrTransportUnavailable
		}}
		o := newTestOrchestrator(model, nil)

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateErrored, r.State)
		assert.ErrorIs(t, r.Err, ai.ErrTransportUnavailable)
		assert.Equal(t, 3, model.Calls())
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		model := &stubModel{open: func(context.Context, int) (ai.FragmentStream, error) {
			return nil, ai.ErrQuotaExceeded
		}}
		o := newTestOrchestrator(model, nil)

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateErrored, r.State)
		assert.ErrorIs(t, r.Err, ai.ErrQuotaExceeded)
		assert.Equal(t, 1, model.Calls())
	})

	t.Run("no retry once streaming began", func(t *testing.T) {
		model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
			return &scriptStream{ctx: ctx, frags: []string{"partial"}, end: ai.ErrTransportUnavailable}, nil
		}}
		o := newTestOrchestrator(model, nil)

		s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
		require.NoError(t, err)

		r := Collect(s)
		assert.Equal(t, StateErrored, r.State)
		assert.ErrorIs(t, r.Err, ai.ErrTransportUnavailable)
		assert.Equal(t, "partial", r.Text)
		assert.Equal(t, 1, model.Calls())
	})
}

func TestParentContextCancel(t *testing.T) {
	model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
		return &scriptStream{ctx: ctx, hold: true}, nil
	}}
	o := newTestOrchestrator(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := o.Start(ctx, "f1", ai.GenerationRequest{})
	require.NoError(t, err)
	cancel()

	r := Collect(s)
	assert.Equal(t, StateCancelled, r.State)
	assert.NoError(t, r.Err)

	_, err = o.Start(ctx, "f1", ai.GenerationRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParentDeadlineIsTimeout(t *testing.T) {
	model := &stubModel{open: func(ctx context.Context, _ int) (ai.FragmentStream, error) {
		return &scriptStream{ctx: ctx, frags: []string{"part"}, hold: true}, nil
	}}
	o := newTestOrchestrator(model, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s, err := o.Start(ctx, "f1", ai.GenerationRequest{})
	require.NoError(t, err)

	r := Collect(s)
	assert.Equal(t, StateErrored, r.State)
	assert.ErrorIs(t, r.Err, ai.ErrTimeout)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
	assert.Equal(t, "part", r.Text)
}

func TestContinue_SendsPriorDocumentAsContext(t *testing.T) {
	model := fixed("refined")
	o := newTestOrchestrator(model, nil)

	base := ai.GenerationRequest{
		System: "sys",
		Images: []ai.ImagePart{{MimeType: "image/png", DataURI: "data:image/png;base64,AAA"}},
		PriorTurns: []ai.Turn{
			{Role: ai.RoleUser, Text: "# SQLi"},
			{Role: ai.RoleAssistant, Text: "draft v1"},
		},
	}
	s, err := o.Continue(context.Background(), "f1", base, "draft v1", "add CVSS")
	require.NoError(t, err)
	r := Collect(s)
	require.Equal(t, StateCompleted, r.State)

	require.Len(t, model.reqs, 1)
	req := model.reqs[0]
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, base.Images, req.Images)
	assert.Empty(t, req.Prompt)
	require.Len(t, req.PriorTurns, 3)
	assert.Equal(t, ai.Turn{
		Role: ai.RoleUser,
		Text: "add CVSS\n\n---\n\nCurrent report in Markdown (for context):\n\ndraft v1",
	}, req.PriorTurns[2])
	assert.Len(t, base.PriorTurns, 2, "base request must not be mutated")
}

func TestObserverSeesTerminalResult(t *testing.T) {
	var mu sync.Mutex
	var seen []Result
	o := newTestOrchestrator(fixed("a", "b"), nil, WithObserver(func(key string, r Result) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "f1", key)
		seen = append(seen, r)
	}))

	s, err := o.Start(context.Background(), "f1", ai.GenerationRequest{})
	require.NoError(t, err)
	Collect(s)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, Result{State: StateCompleted, Text: "ab"}, seen[0])
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateStreaming.Terminal())
	for _, s := range []State{StateCompleted, StateCancelled, StateErrored} {
		assert.True(t, s.Terminal(), s)
	}
}
