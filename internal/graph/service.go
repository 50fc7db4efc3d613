package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/dberr"
	"github.com/matijazezelj/graphcore/pkg/models"
)

const tracerName = "github.com/matijazezelj/graphcore/internal/graph"

// systemDatabase hosts user administration.
const systemDatabase = "system"

// Options configures a Service.
type Options struct {
	URI      string
	Username string
	Password string
	Database string

	// DefaultUsername and DefaultPassword are tried once when the configured
	// credentials are rejected, to set the configured password on first run.
	DefaultUsername string
	DefaultPassword string

	// Path holds connection-scoped metadata such as the graph properties file.
	Path string
	// Tenant, when set, is added as a label to every created or matched node.
	Tenant string

	Executor        ExecutorMode
	BlockingTimeout time.Duration
	StreamBuffer    int
	ConnectTimeout  time.Duration

	LogQueries     bool
	LogPingQueries bool

	NodeCacheSize         int
	RelationshipCacheSize int

	RetryAttempts int
	RetryBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Executor == "" {
		o.Executor = ExecutorAuto
	}
	if o.BlockingTimeout <= 0 {
		o.BlockingTimeout = DefaultBlockingTimeout
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.DefaultUsername == "" {
		o.DefaultUsername = "neo4j"
	}
	if o.DefaultPassword == "" {
		o.DefaultPassword = "neo4j"
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	return o
}

// Service is the entry point to the graph database. It owns the driver, the
// entity cache and the executor choice for the lifetime of the process.
type Service struct {
	opts     Options
	logger   *slog.Logger
	dial     dialer
	cache    *cache.Cache
	tracer   trace.Tracer
	instance string
	props    *GraphProperties

	mu       sync.RWMutex
	driver   driverConn
	version  ServerVersion
	mode     ExecutorMode
	indexes  indexStrategy
	observer TxObserver

	nextTxID atomic.Uint64
	ready    atomic.Bool
}

// NewService creates a Service. Initialize must be called before use.
func NewService(opts Options, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:     opts,
		logger:   logger,
		dial:     neo4jDial,
		cache:    cache.New(opts.NodeCacheSize, opts.RelationshipCacheSize),
		tracer:   otel.Tracer(tracerName),
		instance: uuid.NewString(),
		props:    NewGraphProperties(filepath.Join(opts.Path, graphPropertiesFile)),
	}
}

// SetObserver installs the receiver of closed transaction records.
func (s *Service) SetObserver(o TxObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

func (s *Service) notify(rec models.TxRecord) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.TransactionClosed(rec)
	}
}

// Initialize connects, bootstraps credentials on first run, detects the
// server version and probes the connection with an empty transaction.
func (s *Service) Initialize(ctx context.Context) error {
	driver, err := s.connect(ctx, s.opts.Username, s.opts.Password)
	if err != nil && dberr.IsAuthentication(err) && s.opts.Password != s.opts.DefaultPassword {
		driver, err = s.bootstrapCredentials(ctx, err)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.opts.URI, dberr.FromDriver(err))
	}

	agent, err := driver.ServerAgent(ctx)
	if err != nil {
		s.logger.Warn("reading server agent failed", "error", err)
	}
	version := ParseAgent(agent)
	mode := s.selectMode(version)

	s.mu.Lock()
	s.driver = driver
	s.version = version
	s.mode = mode
	s.indexes = newIndexStrategy(version)
	s.mu.Unlock()

	probe, err := s.begin(ctx, txOptions{ping: true, caller: "probe"})
	if err != nil {
		s.closeDriver(ctx)
		return fmt.Errorf("probing database: %w", err)
	}
	probe.MarkSuccess()
	if err := probe.Close(ctx); err != nil {
		s.closeDriver(ctx)
		return fmt.Errorf("probing database: %w", err)
	}

	s.ready.Store(true)
	s.logger.Info("database service initialized",
		"uri", s.opts.URI,
		"server", version.String(),
		"executor", string(mode),
		"node_cache", s.cache.Info(models.KindNode).Capacity,
		"relationship_cache", s.cache.Info(models.KindRelationship).Capacity,
	)
	return nil
}

func (s *Service) connect(ctx context.Context, username, password string) (driverConn, error) {
	driver, err := s.dial(s.opts.URI, username, password)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	if err := driver.VerifyConnectivity(cctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, err
	}
	return driver, nil
}

// bootstrapCredentials logs in with the default credentials once and sets
// the configured password, then reconnects with the configured credentials.
func (s *Service) bootstrapCredentials(ctx context.Context, authErr error) (driverConn, error) {
	s.logger.Info("authentication failed, trying default credentials", "username", s.opts.DefaultUsername)

	initial, err := s.connect(ctx, s.opts.DefaultUsername, s.opts.DefaultPassword)
	if err != nil {
		s.logger.Debug("default credentials rejected", "error", err)
		return nil, authErr
	}
	err = s.changeInitialPassword(ctx, initial)
	_ = initial.Close(context.Background())
	if err != nil {
		return nil, fmt.Errorf("setting initial password: %w", err)
	}

	s.logger.Info("initial password changed", "username", s.opts.DefaultUsername)
	return s.connect(ctx, s.opts.Username, s.opts.Password)
}

func (s *Service) changeInitialPassword(ctx context.Context, driver driverConn) error {
	session := driver.NewSession(ctx, systemDatabase)
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	tx, err := session.BeginTransaction(ctx, txConfig{})
	if err != nil {
		return err
	}
	res, err := tx.Run(ctx, stmtChangeInitialSecret, map[string]any{
		"old": s.opts.DefaultPassword,
		"new": s.opts.Password,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := res.Consume(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) selectMode(v ServerVersion) ExecutorMode {
	switch s.opts.Executor {
	case ExecutorStreaming, ExecutorBlocking:
		return s.opts.Executor
	}
	if v.supportsStreaming() {
		return ExecutorStreaming
	}
	return ExecutorBlocking
}

func (s *Service) conn() (driverConn, ExecutorMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.driver == nil {
		return nil, "", ErrNotInitialized
	}
	return s.driver, s.mode, nil
}

func (s *Service) closeDriver(ctx context.Context) {
	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	s.mu.Unlock()
	if driver != nil {
		_ = driver.Close(context.WithoutCancel(ctx))
	}
}

// TxOption customizes a transaction opened by BeginTransaction.
type TxOption func(*txOptions)

type txOptions struct {
	timeout time.Duration
	ping    bool
	caller  string
}

// WithTimeout asks the server to abort the transaction after d.
func WithTimeout(d time.Duration) TxOption {
	return func(o *txOptions) { o.timeout = d }
}

// WithPing marks the transaction as a connectivity probe.
func WithPing() TxOption {
	return func(o *txOptions) { o.ping = true }
}

// BeginTransaction returns the transaction bound to ctx, opening one when
// none is open. The returned context carries the binding; pass it to every
// call that belongs to the same unit of work.
func (s *Service) BeginTransaction(ctx context.Context, opts ...TxOption) (context.Context, *Transaction, error) {
	if !s.ready.Load() {
		return ctx, nil, ErrNotInitialized
	}

	sc := scopeFrom(ctx)
	if sc == nil {
		sc = &txScope{}
		ctx = context.WithValue(ctx, scopeKey{}, sc)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.tx != nil && sc.tx.State() == TxOpen && !sc.tx.closing.Load() {
		return ctx, sc.tx, nil
	}

	o := txOptions{caller: callerName(1)}
	for _, opt := range opts {
		opt(&o)
	}
	t, err := s.begin(ctx, o)
	if err != nil {
		return ctx, nil, err
	}
	t.scope = sc
	sc.tx = t
	return ctx, t, nil
}

// CurrentTransaction returns the open transaction bound to ctx.
func (s *Service) CurrentTransaction(ctx context.Context) (*Transaction, error) {
	sc := scopeFrom(ctx)
	if sc == nil {
		return nil, ErrNotInTransaction
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.tx == nil || sc.tx.State() != TxOpen {
		return nil, ErrNotInTransaction
	}
	return sc.tx, nil
}

func (s *Service) begin(ctx context.Context, o txOptions) (*Transaction, error) {
	driver, mode, err := s.conn()
	if err != nil {
		return nil, err
	}

	id := s.nextTxID.Add(1)
	session := driver.NewSession(ctx, s.opts.Database)
	tx, err := session.BeginTransaction(ctx, txConfig{
		Timeout: o.timeout,
		Metadata: map[string]any{
			"id":       int64(id),
			"pid":      int64(os.Getpid()),
			"caller":   o.caller,
			"instance": s.instance,
		},
	})
	if err != nil {
		session.Close(ctx) //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("beginning transaction: %w", dberr.FromDriver(err))
	}

	t := &Transaction{
		id:      id,
		svc:     s,
		session: session,
		tx:      tx,
		mode:    mode,
		touched: cache.NewTouchSet(),
		started: time.Now(),
	}
	t.ping.Store(o.ping)
	t.env = &execEnv{
		tx:           tx,
		lock:         &t.lock,
		logger:       s.logger,
		tracer:       s.tracer,
		txID:         id,
		logStatement: t.logStatement,
		convert:      t.convertRecord,
		epoch:        s.cache.Epoch,
		onTransient:  t.abort,
	}
	if mode == ExecutorStreaming {
		t.exec = newStreamingExecutor(t.env, s.opts.StreamBuffer)
	} else {
		t.exec = newBlockingExecutor(t.env, s.opts.BlockingTimeout)
	}
	return t, nil
}

// Execute runs fn as one unit of work: success is marked when fn returns nil
// and the whole unit is retried on retryable failures. When ctx already
// carries an open transaction fn joins it and nothing is retried.
func (s *Service) Execute(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	if tx, err := s.CurrentTransaction(ctx); err == nil {
		return fn(ctx, tx)
	}

	return dberr.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryBackoff, func(ctx context.Context) error {
		tctx, tx, err := s.BeginTransaction(ctx)
		if err != nil {
			return err
		}
		if err := fn(tctx, tx); err != nil {
			tx.Close(tctx) //nolint:errcheck // rollback; fn's error is what matters
			return err
		}
		tx.MarkSuccess()
		return tx.Close(tctx)
	})
}

// CreateNode creates a node in the transaction bound to ctx.
func (s *Service) CreateNode(ctx context.Context, labels []string, props map[string]any) (*cache.Entity, error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := createNodeStatement(labels, s.opts.Tenant)
	if err != nil {
		return nil, err
	}
	row, err := tx.create(ctx, stmt, map[string]any{"props": nonNil(props)})
	if err != nil {
		return nil, err
	}
	n, err := row.Entity("n")
	if err != nil {
		return nil, err
	}
	s.cache.MarkModified(tx.touched, n)
	return n, nil
}

// CreateRelationship creates a relationship from -> to.
func (s *Service) CreateRelationship(ctx context.Context, from, to *cache.Entity, relType string, props map[string]any) (*cache.Entity, error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := createRelationshipStatement(relType)
	if err != nil {
		return nil, err
	}
	row, err := tx.create(ctx, stmt, map[string]any{
		"from":  from.ID(),
		"to":    to.ID(),
		"props": nonNil(props),
	})
	if err != nil {
		return nil, err
	}
	r, err := row.Entity("r")
	if err != nil {
		return nil, err
	}
	tx.relWrites.Store(true)
	s.cache.MarkModified(tx.touched, r)
	s.cache.MarkModified(tx.touched, from)
	s.cache.MarkModified(tx.touched, to)
	return r, nil
}

// OwnerEdges describes the two relationships linking a new node to its owner.
type OwnerEdges struct {
	Owner         *cache.Entity
	OwnsType      string
	OwnsProps     map[string]any
	SecurityType  string
	SecurityProps map[string]any
}

// OwnedNode is the result of CreateNodeWithOwnerEdges.
type OwnedNode struct {
	Node     *cache.Entity
	Owns     *cache.Entity
	Security *cache.Entity
}

// CreateNodeWithOwnerEdges creates a node together with an ownership and a
// security relationship from its owner in a single statement.
func (s *Service) CreateNodeWithOwnerEdges(ctx context.Context, labels []string, props map[string]any, edges OwnerEdges) (OwnedNode, error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return OwnedNode{}, err
	}
	if edges.Owner == nil {
		return OwnedNode{}, fmt.Errorf("owner is required")
	}
	stmt, err := createOwnedNodeStatement(labels, s.opts.Tenant, edges.OwnsType, edges.SecurityType)
	if err != nil {
		return OwnedNode{}, err
	}
	row, err := tx.create(ctx, stmt, map[string]any{
		"owner":         edges.Owner.ID(),
		"props":         nonNil(props),
		"ownsProps":     nonNil(edges.OwnsProps),
		"securityProps": nonNil(edges.SecurityProps),
	})
	if err != nil {
		return OwnedNode{}, err
	}
	tx.relWrites.Store(true)

	var out OwnedNode
	for col, dst := range map[string]**cache.Entity{"n": &out.Node, "o": &out.Owns, "s": &out.Security} {
		e, err := row.Entity(col)
		if err != nil {
			return OwnedNode{}, err
		}
		s.cache.MarkModified(tx.touched, e)
		*dst = e
	}
	s.cache.MarkModified(tx.touched, edges.Owner)
	return out, nil
}

func nonNil(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}

// Cache returns the entity cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// ClearCaches flushes both cache partitions.
func (s *Service) ClearCaches() {
	s.cache.ClearAll()
	s.logger.Info("entity caches cleared")
}

// CachesInfo reports both cache partitions.
func (s *Service) CachesInfo() map[string]models.CacheInfo {
	return map[string]models.CacheInfo{
		"nodes":         s.cache.Info(models.KindNode),
		"relationships": s.cache.Info(models.KindRelationship),
	}
}

// ServerVersion returns the version detected at Initialize.
func (s *Service) ServerVersion() ServerVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ExecutorMode returns the executor variant chosen at Initialize.
func (s *Service) ExecutorMode() ExecutorMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SupportsFeature reports whether the connected server has a capability.
// FeatureQueryLanguage takes the language mime type as its parameter.
func (s *Service) SupportsFeature(feature Feature, params ...string) bool {
	return s.ServerVersion().supports(feature, params...)
}

// GraphProperties returns the graph-level metadata store.
func (s *Service) GraphProperties() *GraphProperties { return s.props }

// Shutdown flushes the caches and closes the driver.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cache.ClearAll()

	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	s.mu.Unlock()
	if driver == nil {
		return nil
	}
	if err := driver.Close(ctx); err != nil {
		return fmt.Errorf("closing driver: %w", err)
	}
	s.logger.Info("database service shut down")
	return nil
}
