package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/matijazezelj/graphcore/internal/dberr"
)

// streamingExecutor delivers rows as they arrive from the network. A pump
// goroutine moves records into a bounded queue; the consumer converts them to
// rows on its own goroutine.
type streamingExecutor struct {
	env    *execEnv
	buffer int
}

func newStreamingExecutor(env *execEnv, buffer int) *streamingExecutor {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &streamingExecutor{env: env, buffer: buffer}
}

func (e *streamingExecutor) RunForSideEffect(ctx context.Context, statement string, params map[string]any) error {
	res, span, err := e.env.run(ctx, statement, params)
	if err != nil {
		return err
	}
	e.env.lock.Lock()
	err = res.Consume(ctx)
	e.env.lock.Unlock()
	err = e.env.fail(err)
	endSpan(span, err)
	return err
}

func (e *streamingExecutor) RunSingleRow(ctx context.Context, statement string, params map[string]any, eager bool) (Row, error) {
	observed := e.env.epoch()

	res, span, err := e.env.run(ctx, statement, params)
	if err != nil {
		return Row{}, err
	}

	e.env.lock.Lock()
	found := res.Next(ctx)
	rec := res.Record()
	err = res.Err()
	if err == nil && (eager || !found) {
		err = res.Consume(ctx)
	}
	e.env.lock.Unlock()

	if err = e.env.fail(err); err != nil {
		endSpan(span, err)
		return Row{}, err
	}
	endSpan(span, nil)
	if !found || rec == nil {
		return Row{}, dberr.NotFound(statement)
	}
	return e.env.convert(rec, observed), nil
}

func (e *streamingExecutor) RunStream(ctx context.Context, statement string, params map[string]any) (RowStream, error) {
	observed := e.env.epoch()

	res, span, err := e.env.run(ctx, statement, params)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &queuedStream{
		env:      e.env,
		queue:    newRecordQueue(e.buffer),
		cancel:   cancel,
		observed: observed,
		span:     span,
		stopped:  make(chan struct{}),
	}
	e.env.track(s)
	go s.pump(pctx, res)
	return s, nil
}

// queuedStream is the RowStream of the streaming executor.
type queuedStream struct {
	env      *execEnv
	queue    *recordQueue
	cancel   context.CancelFunc
	observed uint64
	span     trace.Span
	stopped  chan struct{}

	cur    Row
	err    error
	ended  bool
	closed atomic.Bool

	consumeErr error
	closeOnce  sync.Once
}

// pump reads records off the result until it is exhausted, fails or the
// stream is closed. The transaction lock is held only around each read so
// other statements of the same transaction can interleave.
func (s *queuedStream) pump(ctx context.Context, res resultIterator) {
	defer close(s.stopped)

	var err error
	for ctx.Err() == nil {
		s.env.lock.Lock()
		ok := res.Next(ctx)
		rec := res.Record()
		if !ok {
			err = res.Err()
		}
		s.env.lock.Unlock()

		if !ok {
			break
		}
		if !s.queue.push(ctx, rec) {
			break
		}
	}
	if ctx.Err() != nil {
		// closed by the consumer; not a failure of the statement
		err = nil
	}

	// release the server-side cursor whether or not all rows were read
	s.env.lock.Lock()
	s.consumeErr = res.Consume(context.WithoutCancel(ctx))
	s.env.lock.Unlock()
	if err == nil && ctx.Err() == nil {
		err = s.consumeErr
	}

	err = s.env.fail(err)
	endSpan(s.span, err)
	s.queue.finish(err)
}

func (s *queuedStream) Next(ctx context.Context) bool {
	if s.closed.Load() {
		s.err = errClosedStream
		return false
	}
	if s.ended {
		return false
	}
	rec, ok, err := s.queue.pop(ctx)
	if !ok {
		s.ended = true
		s.err = err
		return false
	}
	s.cur = s.env.convert(rec, s.observed)
	return true
}

func (s *queuedStream) Row() Row   { return s.cur }
func (s *queuedStream) Err() error { return s.err }

// Buffered returns how many records wait in the queue.
func (s *queuedStream) Buffered() int { return s.queue.buffered() }

// Capacity returns the queue bound.
func (s *queuedStream) Capacity() int { return s.queue.capacity() }

// Close stops the pump and waits until the cursor was released.
func (s *queuedStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.env.untrack(s)
	})
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.consumeErr != nil {
		s.env.logger.Debug("releasing stream cursor failed", "tx", s.env.txID, "error", s.consumeErr)
	}
	return nil
}
