package graph

import (
	"context"
	"errors"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/matijazezelj/graphcore/internal/dberr"
)

// DefaultBlockingTimeout bounds every call of the blocking executor.
const DefaultBlockingTimeout = 6 * time.Second

// blockingExecutor runs each statement to completion before returning. Every
// driver call is bounded by timeout; when the bound elapses the call returns a
// transient error and the missed completion is logged.
type blockingExecutor struct {
	env     *execEnv
	timeout time.Duration
}

func newBlockingExecutor(env *execEnv, timeout time.Duration) *blockingExecutor {
	if timeout <= 0 {
		timeout = DefaultBlockingTimeout
	}
	return &blockingExecutor{env: env, timeout: timeout}
}

func (e *blockingExecutor) RunForSideEffect(ctx context.Context, statement string, params map[string]any) error {
	_, err := e.collect(ctx, statement, params, false)
	return err
}

func (e *blockingExecutor) RunSingleRow(ctx context.Context, statement string, params map[string]any, _ bool) (Row, error) {
	// the whole result is always consumed, which also satisfies eager reads
	rows, err := e.collect(ctx, statement, params, true)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, dberr.NotFound(statement)
	}
	return rows[0], nil
}

func (e *blockingExecutor) RunStream(ctx context.Context, statement string, params map[string]any) (RowStream, error) {
	rows, err := e.collect(ctx, statement, params, true)
	if err != nil {
		return nil, err
	}
	return &sliceStream{rows: rows}, nil
}

// collect runs the statement and drains its records under one bounded wait.
func (e *blockingExecutor) collect(ctx context.Context, statement string, params map[string]any, keep bool) ([]Row, error) {
	observed := e.env.epoch()

	bctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, span, err := e.env.run(bctx, statement, params)
	if err != nil {
		return nil, e.checkBound(ctx, statement, err)
	}

	var records []*neo4j.Record
	e.env.lock.Lock()
	for res.Next(bctx) {
		if keep {
			records = append(records, res.Record())
		}
	}
	err = res.Err()
	if err == nil {
		err = res.Consume(bctx)
	}
	e.env.lock.Unlock()

	if err != nil {
		err = e.checkBound(ctx, statement, e.env.fail(err))
		endSpan(span, err)
		return nil, err
	}
	endSpan(span, nil)

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, e.env.convert(rec, observed))
	}
	return rows, nil
}

// checkBound logs when the executor's own bound, not the caller's context,
// cut the wait short.
func (e *blockingExecutor) checkBound(parent context.Context, statement string, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		e.env.logger.Warn("statement completion not observed within bound",
			"tx", e.env.txID, "timeout", e.timeout, "statement", statement)
	}
	return err
}
