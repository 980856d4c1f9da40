package generation

import (
	"context"
	"strings"
	"sync"
)

// State of a stream. Terminal states never change.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Result is the outcome of a stream. Text holds every fragment delivered to the
// consumer, also when the stream errored or was cancelled part way.
type Result struct {
	State State
	Text  string
	Err   error
}

// Stream is one cancellable generation. Fragments must be drained; the channel is
// unbuffered and closes once the stream reaches a terminal state.
type Stream struct {
	ID  string
	Key string

	fragments chan string
	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc

	mu    sync.Mutex
	state State
	text  strings.Builder
	err   error
}

func newStream(id, key string, cancel context.CancelFunc) *Stream {
	return &Stream{
		ID:        id,
		Key:       key,
		fragments: make(chan string),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
		cancel:    cancel,
		state:     StatePending,
	}
}

// Fragments yields text in arrival order.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Done is closed after the terminal state is recorded.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result is a snapshot; it is final once Done is closed.
func (s *Stream) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{State: s.state, Text: s.text.String(), Err: s.err}
}

// Wait blocks until the stream terminates. It does not drain fragments.
func (s *Stream) Wait() Result {
	<-s.done
	return s.Result()
}

// Cancel stops the stream and returns once it has terminated. No fragment is
// delivered after Cancel returns. Cancelling a finished stream is a no-op.
func (s *Stream) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
	<-s.done
}

func (s *Stream) streaming() {
	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateStreaming
	}
	s.mu.Unlock()
}

func (s *Stream) appendText(frag string) {
	s.mu.Lock()
	s.text.WriteString(frag)
	s.mu.Unlock()
}

func (s *Stream) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	s.err = err
}

// Collect drains s and returns its result.
func Collect(s *Stream) Result {
	for range s.fragments {
	}
	return s.Wait()
}
