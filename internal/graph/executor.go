package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/dberr"
)

// ExecutorMode selects the QueryExecutor variant.
type ExecutorMode string

// Executor modes. Auto picks streaming or blocking from the server version.
const (
	ExecutorAuto      ExecutorMode = "auto"
	ExecutorStreaming ExecutorMode = "streaming"
	ExecutorBlocking  ExecutorMode = "blocking"
)

// Row is one result record. Values may be scalars, lists, maps or entity
// handles for nodes and relationships.
type Row struct {
	Keys   []string
	Values map[string]any
}

// Get returns the value of column key.
func (r Row) Get(key string) (any, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Entity returns the handle in column key.
func (r Row) Entity(key string) (*cache.Entity, error) {
	v, ok := r.Values[key]
	if !ok {
		return nil, fmt.Errorf("column %q not in row", key)
	}
	e, ok := v.(*cache.Entity)
	if !ok {
		return nil, fmt.Errorf("column %q is %T, not an entity", key, v)
	}
	return e, nil
}

// Int64 returns the integer in column key.
func (r Row) Int64(key string) (int64, error) {
	v, ok := r.Values[key]
	if !ok {
		return 0, fmt.Errorf("column %q not in row", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("column %q is %T, not an integer", key, v)
	}
	return n, nil
}

// RowStream is a lazy, finite, non-restartable sequence of rows. Close must
// be called on every exit path; it releases the server-side cursor.
type RowStream interface {
	Next(ctx context.Context) bool
	Row() Row
	Err() error
	Close(ctx context.Context) error
}

// QueryExecutor runs statements against the transaction's session. Both
// variants share this contract.
type QueryExecutor interface {
	// RunForSideEffect executes the statement and discards its rows.
	RunForSideEffect(ctx context.Context, statement string, params map[string]any) error
	// RunSingleRow returns the first row. With eager set the result is fully
	// consumed before returning so the statement's effects are settled.
	RunSingleRow(ctx context.Context, statement string, params map[string]any, eager bool) (Row, error)
	// RunStream returns the rows lazily.
	RunStream(ctx context.Context, statement string, params map[string]any) (RowStream, error)
}

// execEnv is what an executor borrows from its transaction.
type execEnv struct {
	tx     txRunner
	lock   *sync.Mutex
	logger *slog.Logger
	tracer trace.Tracer
	txID   uint64

	// logStatement applies the query log policy.
	logStatement func(statement string, params map[string]any)
	// convert turns a record into a row; observed is the cache epoch taken
	// before the statement was issued.
	convert func(rec *neo4j.Record, observed uint64) Row
	// epoch reads the cache clock.
	epoch func() uint64
	// onTransient marks the transaction rollback-only.
	onTransient func(err error)

	streamsMu sync.Mutex
	streams   map[*queuedStream]struct{}
}

func (env *execEnv) track(s *queuedStream) {
	env.streamsMu.Lock()
	defer env.streamsMu.Unlock()
	if env.streams == nil {
		env.streams = make(map[*queuedStream]struct{})
	}
	env.streams[s] = struct{}{}
}

func (env *execEnv) untrack(s *queuedStream) {
	env.streamsMu.Lock()
	defer env.streamsMu.Unlock()
	delete(env.streams, s)
}

// closeStreams closes every stream the caller left open.
func (env *execEnv) closeStreams(ctx context.Context) {
	env.streamsMu.Lock()
	open := make([]*queuedStream, 0, len(env.streams))
	for s := range env.streams {
		open = append(open, s)
	}
	env.streamsMu.Unlock()

	for _, s := range open {
		s.Close(ctx) //nolint:errcheck // best-effort cleanup
	}
}

// run issues the statement holding the transaction lock.
func (env *execEnv) run(ctx context.Context, statement string, params map[string]any) (resultIterator, trace.Span, error) {
	env.logStatement(statement, params)

	ctx, span := env.tracer.Start(ctx, "graphcore.statement", trace.WithAttributes(
		attribute.Int64("graphcore.tx.id", int64(env.txID)),
	))

	env.lock.Lock()
	res, err := env.tx.Run(ctx, statement, params)
	env.lock.Unlock()
	if err != nil {
		err = env.fail(err)
		endSpan(span, err)
		return nil, nil, err
	}
	return res, span, nil
}

// fail translates err and marks the transaction on transient failures.
func (env *execEnv) fail(err error) error {
	if err == nil {
		return nil
	}
	translated := dberr.FromDriver(err)
	if dberr.IsRetryable(translated) {
		env.onTransient(translated)
	}
	return translated
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// sliceStream serves rows that were already materialized.
type sliceStream struct {
	rows   []Row
	pos    int
	cur    Row
	err    error
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) bool {
	if s.closed || s.err != nil || s.pos >= len(s.rows) {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.cur = s.rows[s.pos]
	s.pos++
	return true
}

func (s *sliceStream) Row() Row   { return s.cur }
func (s *sliceStream) Err() error { return s.err }

func (s *sliceStream) Close(context.Context) error {
	s.closed = true
	s.rows = nil
	return nil
}

// errClosedStream is returned when rows are pulled from a closed stream.
var errClosedStream = errors.New("row stream closed")
