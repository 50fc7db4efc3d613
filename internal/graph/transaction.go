package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/dberr"
	"github.com/matijazezelj/graphcore/pkg/models"
)

// Sentinel errors of the transaction lifecycle.
var (
	ErrNotInTransaction  = errors.New("no transaction bound to context")
	ErrTransactionClosed = errors.New("transaction is closed")
	ErrNotInitialized    = errors.New("database service not initialized")
	ErrCommitUnconfirmed = errors.New("commit acknowledgement not observed")
)

// TxState is the lifecycle state of a Transaction.
type TxState int32

// Transaction states. Closed is terminal.
const (
	TxOpen TxState = iota
	TxCommitting
	TxRollingBack
	TxClosed
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitting:
		return "committing"
	case TxRollingBack:
		return "rolling_back"
	case TxClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TxObserver is notified once per closed transaction.
type TxObserver interface {
	TransactionClosed(rec models.TxRecord)
}

// Transaction is one unit of work. It exclusively owns a driver session and
// records every entity it touched so the shared cache can be reconciled when
// it closes. A transaction is rolled back on Close unless MarkSuccess was
// called.
type Transaction struct {
	id      uint64
	svc     *Service
	session sessionRunner
	tx      txRunner
	env     *execEnv
	exec    QueryExecutor
	mode    ExecutorMode
	touched *cache.TouchSet
	started time.Time

	// lock serializes driver calls; the session is not safe for concurrent use
	lock sync.Mutex

	state   atomic.Int32
	closing atomic.Bool
	success atomic.Bool
	ping    atomic.Bool
	flush   atomic.Bool

	// creating routes entities returned by a create statement into the
	// creator-only state of the cache
	creating atomic.Bool
	// relWrites is set once the transaction created or deleted relationships,
	// after which adjacency lists bypass the shared cache
	relWrites atomic.Bool

	abortMu  sync.Mutex
	abortErr error

	scope *txScope
}

// ID returns the monotonic transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// Mode returns the executor variant serving this transaction.
func (t *Transaction) Mode() ExecutorMode { return t.mode }

// State returns the current lifecycle state.
func (t *Transaction) State() TxState { return TxState(t.state.Load()) }

// MarkSuccess makes Close commit.
func (t *Transaction) MarkSuccess() { t.success.Store(true) }

// MarkFailure does nothing: closing without MarkSuccess already rolls back,
// and a success mark is never withdrawn.
func (t *Transaction) MarkFailure() {}

// SetPing flags the transaction as a connectivity probe. Statements of ping
// transactions are only logged when ping logging is enabled.
func (t *Transaction) SetPing(ping bool) { t.ping.Store(ping) }

// IsDeleted reports whether this transaction deleted the entity.
func (t *Transaction) IsDeleted(e *cache.Entity) bool {
	return t.touched.IsDeleted(e.Kind(), e.ID())
}

func (t *Transaction) checkOpen() error {
	if t.State() != TxOpen || t.closing.Load() {
		return ErrTransactionClosed
	}
	t.abortMu.Lock()
	defer t.abortMu.Unlock()
	return t.abortErr
}

// abort makes the transaction rollback-only after a transient failure.
func (t *Transaction) abort(err error) {
	t.abortMu.Lock()
	defer t.abortMu.Unlock()
	if t.abortErr == nil {
		t.abortErr = &dberr.Error{
			Kind:    dberr.KindTransient,
			Message: "transaction aborted by an earlier transient failure",
			Err:     err,
		}
	}
}

func (t *Transaction) aborted() error {
	t.abortMu.Lock()
	defer t.abortMu.Unlock()
	return t.abortErr
}

var (
	writeClause  = regexp.MustCompile(`(?i)\b(CREATE|MERGE|SET|DELETE|REMOVE)\b`)
	schemaClause = regexp.MustCompile(`(?i)\b(INDEX|CONSTRAINT)\b`)
)

// noteRaw records that a caller-supplied statement may write data the cache
// does not track. Such a transaction flushes both caches when it commits.
func (t *Transaction) noteRaw(statement string) {
	if writeClause.MatchString(statement) && !schemaClause.MatchString(statement) {
		t.flush.Store(true)
		t.relWrites.Store(true)
	}
}

// RunForSideEffect executes a statement and discards its rows.
func (t *Transaction) RunForSideEffect(ctx context.Context, statement string, params map[string]any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.noteRaw(statement)
	return t.exec.RunForSideEffect(ctx, statement, params)
}

// RunSingleRow returns the first row of a statement, or a NotFound error.
func (t *Transaction) RunSingleRow(ctx context.Context, statement string, params map[string]any, eager bool) (Row, error) {
	if err := t.checkOpen(); err != nil {
		return Row{}, err
	}
	t.noteRaw(statement)
	return t.exec.RunSingleRow(ctx, statement, params, eager)
}

// RunStream returns the rows of a statement lazily.
func (t *Transaction) RunStream(ctx context.Context, statement string, params map[string]any) (RowStream, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.noteRaw(statement)
	return t.exec.RunStream(ctx, statement, params)
}

// create runs a statement whose returned entities are new. They stay
// invisible to other transactions until this one commits.
func (t *Transaction) create(ctx context.Context, statement string, params map[string]any) (Row, error) {
	if err := t.checkOpen(); err != nil {
		return Row{}, err
	}
	t.creating.Store(true)
	defer t.creating.Store(false)
	return t.exec.RunSingleRow(ctx, statement, params, true)
}

// Close commits or rolls back and reconciles the cache. Only the first call
// does anything. The transaction is marked closed before the session is
// released, so it never stays observably open even if that fails.
func (t *Transaction) Close(ctx context.Context) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	ctx, span := t.svc.tracer.Start(ctx, "graphcore.tx.close", trace.WithAttributes(
		attribute.Int64("graphcore.tx.id", int64(t.id)),
		attribute.String("graphcore.tx.mode", string(t.mode)),
	))

	t.env.closeStreams(ctx)

	var (
		outcome models.TxOutcome
		err     error
	)
	abortErr := t.aborted()
	if t.success.Load() && abortErr == nil {
		t.state.Store(int32(TxCommitting))
		outcome, err = t.commit(ctx)
	} else {
		t.state.Store(int32(TxRollingBack))
		outcome, err = t.rollback(ctx, abortErr != nil)
		if abortErr != nil && t.success.Load() {
			err = abortErr
		}
	}
	t.state.Store(int32(TxClosed))
	t.unbind()

	modified := t.touched.Modified()
	for _, e := range modified {
		e.InvalidateRelationships()
	}
	rec := models.TxRecord{
		ID:           t.id,
		Mode:         string(t.mode),
		StartedAt:    t.started,
		Outcome:      outcome,
		Accessed:     len(t.touched.Accessed()),
		Modified:     len(modified),
		DeletedNodes: len(t.touched.DeletedIDs(models.KindNode)),
		DeletedRels:  len(t.touched.DeletedIDs(models.KindRelationship)),
		Ping:         t.ping.Load(),
	}
	t.touched.Release()

	if cerr := t.session.Close(context.WithoutCancel(ctx)); cerr != nil {
		cerr = dberr.FromDriver(cerr)
		t.svc.logger.Warn("closing session failed", "tx", t.id, "error", cerr)
		if err == nil {
			err = fmt.Errorf("closing session: %w", cerr)
		}
	}

	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}
	t.svc.notify(rec)

	span.SetAttributes(attribute.String("graphcore.tx.outcome", string(outcome)))
	endSpan(span, err)
	return err
}

func (t *Transaction) commit(ctx context.Context) (models.TxOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, t.svc.opts.BlockingTimeout)
	defer cancel()

	t.lock.Lock()
	err := t.tx.Commit(cctx)
	t.lock.Unlock()

	switch {
	case err == nil:
		t.publish()
		return models.OutcomeCommitted, nil
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		t.svc.logger.Warn("commit acknowledgement not observed within bound",
			"tx", t.id, "timeout", t.svc.opts.BlockingTimeout)
		t.revert()
		t.expungeDeleted()
		return models.OutcomeUnconfirmed, fmt.Errorf("%w: %w", ErrCommitUnconfirmed, dberr.FromDriver(err))
	default:
		t.revert()
		return models.OutcomeAborted, fmt.Errorf("committing transaction %d: %w", t.id, dberr.FromDriver(err))
	}
}

func (t *Transaction) rollback(ctx context.Context, aborted bool) (models.TxOutcome, error) {
	t.lock.Lock()
	err := t.tx.Rollback(ctx)
	t.lock.Unlock()

	t.revert()

	if aborted {
		if err != nil {
			t.svc.logger.Debug("rollback of aborted transaction failed", "tx", t.id, "error", err)
		}
		return models.OutcomeAborted, nil
	}
	if err != nil {
		return models.OutcomeRolledBack, fmt.Errorf("rolling back transaction %d: %w", t.id, dberr.FromDriver(err))
	}
	return models.OutcomeRolledBack, nil
}

// publish makes committed changes visible to later transactions.
func (t *Transaction) publish() {
	t.expungeDeleted()
	for _, e := range t.touched.Accessed() {
		e.Commit(t.id)
	}
	for _, e := range t.touched.Modified() {
		e.ClearComputed()
	}
	if t.flush.Load() {
		t.svc.cache.ClearAll()
	}
}

// revert drops pending writes and evicts everything the transaction saw, so
// later reads go back to the database.
func (t *Transaction) revert() {
	for _, e := range t.touched.Accessed() {
		e.Rollback(t.id)
		t.svc.cache.Evict(e.Kind(), e.ID())
	}
	for _, e := range t.touched.Modified() {
		e.MarkStale()
	}
}

func (t *Transaction) expungeDeleted() {
	t.svc.cache.Expunge(models.KindNode, t.touched.DeletedIDs(models.KindNode))
	t.svc.cache.Expunge(models.KindRelationship, t.touched.DeletedIDs(models.KindRelationship))
}

func (t *Transaction) unbind() {
	if t.scope == nil {
		return
	}
	t.scope.mu.Lock()
	defer t.scope.mu.Unlock()
	if t.scope.tx == t {
		t.scope.tx = nil
	}
}

// logStatement applies the query log policy.
func (t *Transaction) logStatement(statement string, params map[string]any) {
	opts := t.svc.opts
	if !opts.LogQueries {
		return
	}
	if t.ping.Load() && !opts.LogPingQueries {
		return
	}
	if _, ok := params[sensitiveParam]; ok || strings.Contains(statement, sensitiveParam) {
		t.svc.logger.Info("statement", "tx", t.id, "statement", statement)
		return
	}
	t.svc.logger.Info("statement", "tx", t.id, "statement", statement, "params", params)
}

func (t *Transaction) convertRecord(rec *neo4j.Record, observed uint64) Row {
	row := Row{Keys: rec.Keys, Values: make(map[string]any, len(rec.Keys))}
	for i, k := range rec.Keys {
		if i < len(rec.Values) {
			row.Values[k] = t.convertValue(rec.Values[i], observed)
		}
	}
	return row
}

func (t *Transaction) convertValue(v any, observed uint64) any {
	switch val := v.(type) {
	case neo4j.Node:
		return t.wrap(models.KindNode, val.Id, cache.Snapshot{ //nolint:staticcheck // numeric ids key the cache
			Labels: val.Labels,
			Props:  val.Props,
		}, observed)
	case neo4j.Relationship:
		return t.wrap(models.KindRelationship, val.Id, cache.Snapshot{ //nolint:staticcheck // numeric ids key the cache
			Type:    val.Type,
			StartID: val.StartId, //nolint:staticcheck // numeric ids key the cache
			EndID:   val.EndId,   //nolint:staticcheck // numeric ids key the cache
			Props:   val.Props,
		}, observed)
	case neo4j.Path:
		out := make([]any, 0, len(val.Nodes)+len(val.Relationships))
		for i, n := range val.Nodes {
			out = append(out, t.convertValue(n, observed))
			if i < len(val.Relationships) {
				out = append(out, t.convertValue(val.Relationships[i], observed))
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = t.convertValue(item, observed)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = t.convertValue(item, observed)
		}
		return out
	default:
		return v
	}
}

// wrap returns the identity-mapped handle for a fetched entity and installs
// the fetched state unless this transaction staged writes on it. Entities this
// transaction created keep their creator-only state until it commits.
func (t *Transaction) wrap(kind models.Kind, id int64, snap cache.Snapshot, observed uint64) *cache.Entity {
	e := t.svc.cache.Acquire(t.touched, kind, id)
	switch {
	case e.HasPending(t.id):
	case t.creating.Load() || e.CreatedBy() == t.id:
		e.FillCreated(snap, t.id)
	default:
		e.Fill(snap, observed)
	}
	return e
}
