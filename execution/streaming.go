package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/scusemua/inference-pool/queue"
	"github.com/scusemua/inference-pool/transport"

	"golang.org/x/net/context"
)

const (
	// progressPollInterval is how often the engine drains buffered progress
	// events and yields them to the consumer.
	progressPollInterval = time.Millisecond * 100

	// progressBufferCapacity bounds the number of progress events buffered
	// between drains. Events reported beyond the bound are dropped so that a
	// slow consumer never blocks the operation.
	progressBufferCapacity = 256

	// progressChannelBuffer is the capacity of the event channel handed to
	// the consumer.
	progressChannelBuffer = 64
)

// ProgressCompleted is the Progress value carried by the synthesized
// terminal event of a successful streaming execution.
const ProgressCompleted = 100

// ProgressEvent is one incremental status update emitted by a streaming
// execution.
type ProgressEvent struct {
	// OperationId identifies the streaming execution the event belongs to.
	OperationId string `json:"operation_id"`

	// Message is the operation-supplied description of the current stage.
	Message string `json:"message"`

	// Progress is the operation-supplied completion percentage, 0 to 100.
	Progress int `json:"progress"`

	// Timestamp is when the event was reported.
	Timestamp time.Time `json:"timestamp"`

	// Final is true for the single terminal event synthesized by the engine
	// once the operation finishes.
	Final bool `json:"final"`

	// Err carries the operation's failure (or the cancellation) on a
	// terminal event. It is nil on progress events and on the terminal
	// event of a successful execution.
	Err error `json:"-"`

	// Result carries the operation's return value on the terminal event of
	// a successful execution.
	Result interface{} `json:"-"`
}

// ProgressReporter is handed to a streaming operation so it can report
// incremental progress. Reporting never blocks: events land in a bounded
// buffer that the engine drains on a fixed interval, and are dropped if the
// buffer is full.
type ProgressReporter func(message string, progress int)

// StreamingOperation is a unit of work that reports incremental progress
// while it runs against a worker connection.
type StreamingOperation func(ctx context.Context, conn *transport.WorkerConnection, report ProgressReporter) (interface{}, error)

// ExecuteWithProgressStreaming runs the operation on one pooled connection,
// held for the full duration, and returns a lazy, finite, non-restartable
// stream of progress events. The engine drains the operation's buffered
// progress reports every progressPollInterval and yields them on the
// returned channel; once the operation completes, any remaining events are
// flushed, a terminal event is synthesized (Progress == 100 on success, Err
// set on failure), and the channel is closed.
//
// Cancelling ctx aborts the polling loop and surfaces the cancellation to
// the operation; the connection is still released either way. Whether a
// failure costs the connection its health is decided by the engine's
// HealthPolicy, exactly as in ExecuteWithPooling.
//
// Delivery is best-effort end to end: a consumer that stops reading loses
// events (including, at worst, the terminal one) rather than stalling the
// engine, and the channel is always closed once the operation finishes, even
// if nobody ever reads from it.
func (e *Engine) ExecuteWithProgressStreaming(ctx context.Context, operation StreamingOperation) (<-chan ProgressEvent, error) {
	operationId := uuid.NewString()

	conn, err := e.manager.Acquire(ctx)
	if err != nil {
		e.log.Warn("Streaming operation %s could not acquire a connection: %v", operationId, err)
		return nil, err
	}

	e.log.Debug("Streaming operation %s running on connection %s.", operationId, conn.ID())

	buffer := queue.NewThreadsafeFifo[ProgressEvent](progressBufferCapacity)

	report := func(message string, progress int) {
		if buffer.Len() >= progressBufferCapacity {
			// Drop the event rather than block the operation.
			return
		}

		buffer.Enqueue(ProgressEvent{
			OperationId: operationId,
			Message:     message,
			Progress:    progress,
			Timestamp:   time.Now(),
		})
	}

	events := make(chan ProgressEvent, progressChannelBuffer)

	opCtx, cancelOp := context.WithCancel(ctx)

	type outcome struct {
		result interface{}
		err    error
	}

	done := make(chan outcome, 1)

	// The operation runs through the same record-metrics-and-release path as
	// a plain pooled execution; the connection is back in the pool as soon
	// as the operation returns, while the poller finishes flushing events.
	go func() {
		result, opErr := e.runOnConnection(opCtx, operationId, conn,
			func(innerCtx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
				return operation(innerCtx, conn, report)
			})

		done <- outcome{result: result, err: opErr}
	}()

	// emit yields one event to the consumer, giving up if the caller's
	// context is already dead. A full channel means the consumer is lagging
	// or has walked away without cancelling; the event is dropped, like the
	// report buffer drops, so the poller can always make progress and
	// terminate.
	emit := func(event ProgressEvent) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		select {
		case events <- event:
		default:
		}

		return true
	}

	drain := func() bool {
		for _, event := range buffer.DequeueAll() {
			if !emit(event) {
				return false
			}
		}

		return true
	}

	finish := func(out outcome, cancelled bool) {
		defer close(events)

		// Flush whatever is still buffered without ever blocking: at this
		// point the operation is done, so best-effort delivery is all that
		// is owed to a consumer that has stopped reading.
		for _, event := range buffer.DequeueAll() {
			select {
			case events <- event:
			default:
			}
		}

		terminal := ProgressEvent{
			OperationId: operationId,
			Timestamp:   time.Now(),
			Final:       true,
		}

		switch {
		case cancelled:
			terminal.Message = "cancelled"
			terminal.Err = ctx.Err()
		case out.err != nil:
			terminal.Message = "failed"
			terminal.Err = out.err
		default:
			terminal.Message = "completed"
			terminal.Progress = ProgressCompleted
			terminal.Result = out.result
		}

		select {
		case events <- terminal:
		default:
			// The consumer abandoned the channel; nothing left to deliver.
		}
	}

	// Polling loop: drain the buffer on a fixed sub-second interval until
	// the operation completes or the caller cancels.
	go func() {
		defer cancelOp()

		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()

		for {
			select {
			case out := <-done:
				finish(out, false)
				return

			case <-ticker.C:
				if !drain() {
					// Caller is gone; surface the cancellation to the
					// operation and wait for it so the connection is
					// guaranteed to be released.
					cancelOp()
					out := <-done
					finish(out, true)
					return
				}

			case <-ctx.Done():
				cancelOp()
				out := <-done
				finish(out, true)
				return
			}
		}
	}()

	return events, nil
}
