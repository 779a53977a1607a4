// Package bus implements the per-session command bus: a single-consumer
// FIFO operation queue with a handler table, one-shot interception,
// finish/stop semantics and a queue-empty hook.
//
// The bus gives a session its at-most-one-active-turn feel: follow-up
// operations are appended at the tail, so continuations run after any work
// already queued, and background operations interleave without extra
// goroutines.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// OpType identifies an operation. Dispatching an unknown type is fatal.
type OpType string

const (
	OpHandleMessage    OpType = "handle_message"
	OpAgentStep        OpType = "agent_step"
	OpProcessTools     OpType = "process_tools"
	OpAgentContinue    OpType = "agent_continue"
	OpControlArtifacts OpType = "control_artifacts"
	OpControlContext   OpType = "control_context"
	OpControlMemory    OpType = "control_memory"
	OpControlConfig    OpType = "control_config"
	OpAgentChange      OpType = "agent_change"
	OpModelChange      OpType = "model_change"
	OpGenerateTitle    OpType = "generate_title"
	OpCreateCheckpoint OpType = "create_checkpoint"
	OpCheckTriggers    OpType = "check_background_triggers"
	OpExecuteFunction  OpType = "execute_function"
	OpContextCommand   OpType = "handle_context_command"
)

// DefaultQueueSize bounds the operation queue; producers block on overflow.
const DefaultQueueSize = 256

// Fatal error classes. A fatal error tears the bus down; everything else is
// recoverable and reported through OnError.
var (
	ErrNoHandler     = errors.New("no handler for operation")
	ErrMissingArgs   = errors.New("missing required arguments")
	ErrOpenSession   = errors.New("failed to open session")
	ErrFailedSession = errors.New("cannot open failed session")

	// ErrStopped is returned to producers once the bus no longer accepts
	// operations.
	ErrStopped = errors.New("bus stopped")
	// ErrFinishing is returned to external producers while the bus drains.
	ErrFinishing = errors.New("bus finishing")
)

// IsFatal reports whether err must tear the bus down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoHandler) ||
		errors.Is(err, ErrMissingArgs) ||
		errors.Is(err, ErrOpenSession) ||
		errors.Is(err, ErrFailedSession)
}

// Operation is one enqueued unit of work.
type Operation struct {
	Type OpType
	Args map[string]any
	// RequestID correlates a client command with its command_response.
	RequestID string
	// Internal operations bypass the finishing gate.
	Internal bool
}

// Arg returns a required argument or a fatal error.
func (op Operation) Arg(key string) (any, error) {
	v, ok := op.Args[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingArgs, op.Type, key)
	}
	return v, nil
}

// StringArg returns a required string argument or a fatal error.
func (op Operation) StringArg(key string) (string, error) {
	v, err := op.Arg(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s.%s must be a non-empty string", ErrMissingArgs, op.Type, key)
	}
	return s, nil
}

// Result is a successful handler outcome.
type Result struct {
	// NextOps are appended to the tail of the queue (or diverted to an
	// installed interceptor).
	NextOps []Operation
	// Completed marks the operation as having answered its request.
	Completed bool
	// Payload is handler-specific output for the actor.
	Payload map[string]any
}

// Handler processes one operation.
type Handler func(ctx context.Context, op Operation) (*Result, error)

// Interceptor consumes diverted follow-up operations. One-shot.
type Interceptor func(ops []Operation)

// Bus is the session's serial operation queue.
type Bus struct {
	log      *slog.Logger
	queue    chan Operation
	handlers map[OpType]Handler

	mu          sync.Mutex
	pending     int
	finishing   bool
	stopped     bool
	interceptor Interceptor

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// OnQueueEmpty runs on the consumer goroutine each time pending drops
	// to zero. It is the single authority for flipping session status back
	// to idle.
	OnQueueEmpty func(ctx context.Context)
	// OnError observes recoverable handler failures.
	OnError func(op Operation, err error)
	// OnFatal observes the error that tore the bus down.
	OnFatal func(op Operation, err error)
}

// New builds a bus with the given handler table. queueSize <= 0 uses
// DefaultQueueSize.
func New(log *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		log:      log,
		queue:    make(chan Operation, queueSize),
		handlers: map[OpType]Handler{},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for one operation type.
func (b *Bus) Handle(t OpType, h Handler) {
	b.handlers[t] = h
}

// Enqueue appends an external operation. It blocks while the queue is full
// and fails once the bus is finishing or stopped.
func (b *Bus) Enqueue(op Operation) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.finishing && !op.Internal {
		b.mu.Unlock()
		return ErrFinishing
	}
	b.pending++
	b.mu.Unlock()

	select {
	case b.queue <- op:
		return nil
	case <-b.stopCh:
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()
		return ErrStopped
	}
}

func (b *Bus) enqueueInternal(ops []Operation) {
	for _, op := range ops {
		op.Internal = true
		if err := b.Enqueue(op); err != nil {
			b.log.Warn("dropping follow-up operation", "op", op.Type, "error", err)
			return
		}
	}
}

// Intercept installs a one-shot interceptor. The next completed handler's
// follow-ups are diverted to it instead of the queue.
func (b *Bus) Intercept(fn Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

// Pending returns the number of queued or in-flight operations.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Finish closes the door to new external operations; internal follow-ups
// still drain. Once pending reaches zero the bus stops.
func (b *Bus) Finish() {
	b.mu.Lock()
	b.finishing = true
	pending := b.pending
	b.mu.Unlock()
	if pending == 0 {
		b.Stop()
	}
}

// Stop terminates the bus immediately. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopCh)
	})
}

// Done is closed when the consumer goroutine exits.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Run consumes the queue until stopped or the context is cancelled. Run the
// consumer exactly once.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	defer b.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case op := <-b.queue:
			if !b.process(ctx, op) {
				return
			}

			b.mu.Lock()
			b.pending--
			drained := b.pending == 0
			finishing := b.finishing
			b.mu.Unlock()

			if drained {
				if b.OnQueueEmpty != nil {
					b.OnQueueEmpty(ctx)
				}
				if finishing {
					return
				}
			}
		}
	}
}

// process runs one handler. It returns false when the error is fatal.
func (b *Bus) process(ctx context.Context, op Operation) bool {
	handler, ok := b.handlers[op.Type]
	if !ok {
		b.fatal(op, fmt.Errorf("%w: %s", ErrNoHandler, op.Type))
		return false
	}

	result, err := handler(ctx, op)
	if err != nil {
		if IsFatal(err) {
			b.fatal(op, err)
			return false
		}
		b.log.Warn("operation failed", "op", op.Type, "error", err)
		if b.OnError != nil {
			b.OnError(op, err)
		}
		return true
	}
	if result == nil {
		return true
	}

	b.mu.Lock()
	interceptor := b.interceptor
	b.interceptor = nil
	b.mu.Unlock()

	if interceptor != nil {
		interceptor(result.NextOps)
		return true
	}
	if len(result.NextOps) > 0 {
		b.enqueueInternal(result.NextOps)
	}
	return true
}

func (b *Bus) fatal(op Operation, err error) {
	b.log.Error("fatal operation failure", "op", op.Type, "error", err)
	if b.OnFatal != nil {
		b.OnFatal(op, err)
	}
}
