package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/matijazezelj/graphcore/internal/dberr"
	"github.com/matijazezelj/graphcore/pkg/models"
)

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Executor != ExecutorAuto {
		t.Errorf("Executor = %q, want auto", o.Executor)
	}
	if o.BlockingTimeout != DefaultBlockingTimeout {
		t.Errorf("BlockingTimeout = %v, want %v", o.BlockingTimeout, DefaultBlockingTimeout)
	}
	if o.StreamBuffer != DefaultStreamBuffer {
		t.Errorf("StreamBuffer = %d, want %d", o.StreamBuffer, DefaultStreamBuffer)
	}
	if o.DefaultUsername != "neo4j" || o.DefaultPassword != "neo4j" {
		t.Errorf("default credentials = %q/%q", o.DefaultUsername, o.DefaultPassword)
	}
	if o.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", o.RetryAttempts)
	}
}

func TestInitialize_CredentialBootstrap(t *testing.T) {
	g := newFakeGraph()
	logger, logs := bufferLogger()
	s := newTestService(t, g, Options{Password: "s3cret"}, logger)

	if g.password != "s3cret" {
		t.Errorf("server password = %q, want the configured one", g.password)
	}
	if n := g.ran(stmtChangeInitialSecret); n != 1 {
		t.Errorf("password change ran %d times, want 1", n)
	}
	if !strings.Contains(logs.String(), "initial password changed") {
		t.Error("bootstrap not logged")
	}
	if s.ServerVersion().Major != 5 {
		t.Errorf("ServerVersion() = %v", s.ServerVersion())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.databases[0] != systemDatabase {
		t.Errorf("password change ran against %q, want %q", g.databases[0], systemDatabase)
	}
}

func TestInitialize_BootstrapNotTriedForDefaultPassword(t *testing.T) {
	g := newFakeGraph()
	g.password = "other"

	s := NewService(Options{URI: "bolt://fake", Username: "neo4j", Password: "neo4j", Path: t.TempDir()}, discardLogger())
	s.dial = g.dial
	err := s.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !dberr.IsAuthentication(err) {
		t.Errorf("err = %v, want authentication failure", err)
	}
	if n := g.ran(stmtChangeInitialSecret); n != 0 {
		t.Errorf("password change ran %d times, want 0", n)
	}
}

func TestInitialize_BootstrapRejected(t *testing.T) {
	g := newFakeGraph()
	g.password = "already-changed"

	s := NewService(Options{URI: "bolt://fake", Username: "neo4j", Password: "wrong", Path: t.TempDir()}, discardLogger())
	s.dial = g.dial
	err := s.Initialize(context.Background())
	if !dberr.IsAuthentication(err) {
		t.Errorf("err = %v, want the original authentication failure", err)
	}
	if _, _, err := s.BeginTransaction(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("BeginTransaction = %v, want ErrNotInitialized", err)
	}
}

func TestInitialize_ProbeFailure(t *testing.T) {
	g := newFakeGraph()
	g.addFault("BEGIN", &neo4j.ConnectivityError{Inner: errors.New("connection refused")}, 1)

	s := NewService(Options{URI: "bolt://fake", Username: "neo4j", Password: "neo4j", Path: t.TempDir()}, discardLogger())
	s.dial = g.dial
	err := s.Initialize(context.Background())
	if !dberr.Is(err, dberr.KindNetwork) {
		t.Errorf("err = %v, want network", err)
	}
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		agent      string
		configured ExecutorMode
		want       ExecutorMode
	}{
		{"Neo4j/5.13.0", ExecutorAuto, ExecutorStreaming},
		{"Neo4j/4.4.12", ExecutorAuto, ExecutorStreaming},
		{"Neo4j/3.5.35", ExecutorAuto, ExecutorBlocking},
		{"Memgraph/2.10.1", ExecutorAuto, ExecutorBlocking},
		{"Neo4j/5.13.0", ExecutorBlocking, ExecutorBlocking},
		{"Memgraph/2.10.1", ExecutorStreaming, ExecutorStreaming},
	}
	for _, tt := range tests {
		t.Run(tt.agent+"/"+string(tt.configured), func(t *testing.T) {
			g := newFakeGraph()
			g.agent = tt.agent
			s := newTestService(t, g, Options{Executor: tt.configured}, nil)
			if got := s.ExecutorMode(); got != tt.want {
				t.Errorf("ExecutorMode() = %q, want %q", got, tt.want)
			}
			_, tx, err := s.BeginTransaction(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			defer tx.Close(context.Background())
			if tx.Mode() != tt.want {
				t.Errorf("tx.Mode() = %q, want %q", tx.Mode(), tt.want)
			}
		})
	}
}

func TestSupportsFeature(t *testing.T) {
	tests := []struct {
		agent   string
		feature Feature
		params  []string
		want    bool
	}{
		{"Neo4j/5.13.0", FeatureQueryLanguage, []string{"application/x-cypher-query"}, true},
		{"Neo4j/5.13.0", FeatureQueryLanguage, []string{"Text/Cypher"}, true},
		{"Neo4j/5.13.0", FeatureQueryLanguage, []string{"application/sparql-query"}, false},
		{"Neo4j/5.13.0", FeatureQueryLanguage, nil, false},
		{"Neo4j/5.13.0", FeatureSpatialQueries, nil, true},
		{"Memgraph/2.10.1", FeatureSpatialQueries, nil, false},
		{"Neo4j/5.13.0", FeatureLargeStringIndexing, nil, false},
		{"Neo4j/5.13.0", FeatureAuthenticationRequired, nil, true},
		{"Neo4j/5.13.0", Feature("teleport"), nil, false},
	}
	for _, tt := range tests {
		g := newFakeGraph()
		g.agent = tt.agent
		s := newTestService(t, g, Options{}, nil)
		if got := s.SupportsFeature(tt.feature, tt.params...); got != tt.want {
			t.Errorf("%s SupportsFeature(%s, %v) = %v, want %v", tt.agent, tt.feature, tt.params, got, tt.want)
		}
	}
}

func TestExecute_RetriesTransient(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)
	g.addFault("count(r)", &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected", Msg: "deadlock"}, 2)

	attempts := 0
	err := s.Execute(context.Background(), func(ctx context.Context, tx *Transaction) error {
		attempts++
		_, err := tx.RunSingleRow(ctx, stmtCountRelationships, nil, true)
		return err
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecute_GivesUp(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{RetryAttempts: 2}, nil)
	g.addFault("count(r)", &neo4j.Neo4jError{Code: "Neo.TransientError.General.MemoryPoolOutOfMemoryError", Msg: "oom"}, 0)

	attempts := 0
	err := s.Execute(context.Background(), func(ctx context.Context, tx *Transaction) error {
		attempts++
		_, err := tx.RunSingleRow(ctx, stmtCountRelationships, nil, true)
		return err
	})
	if !dberr.IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestExecute_DoesNotRetryPermanent(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)
	g.addFault("count(r)", &neo4j.Neo4jError{Code: dberr.CodeConstraintValidationFailed, Msg: "exists"}, 0)

	attempts := 0
	err := s.Execute(context.Background(), func(ctx context.Context, tx *Transaction) error {
		attempts++
		_, err := tx.RunSingleRow(ctx, stmtCountRelationships, nil, true)
		return err
	})
	if !dberr.Is(err, dberr.KindConstraintViolation) {
		t.Errorf("err = %v, want constraint violation", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if _, _, rollbacks := g.counters(); rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", rollbacks)
	}
}

func TestExecute_JoinsOpenTransaction(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)

	ctx, outer, _ := s.BeginTransaction(context.Background())
	defer outer.Close(ctx)

	err := s.Execute(ctx, func(_ context.Context, tx *Transaction) error {
		if tx != outer {
			t.Error("Execute opened a nested transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if outer.State() != TxOpen {
		t.Error("joined Execute must not close the outer transaction")
	}
}

func TestCreateNodeWithOwnerEdges(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)

	err := s.Execute(context.Background(), func(ctx context.Context, tx *Transaction) error {
		owner, err := s.CreateNode(ctx, []string{"Principal"}, map[string]any{"name": "admin"})
		if err != nil {
			return err
		}
		out, err := s.CreateNodeWithOwnerEdges(ctx, []string{"File"}, map[string]any{"name": "doc"}, OwnerEdges{
			Owner:         owner,
			OwnsType:      "OWNS",
			SecurityType:  "SECURITY",
			SecurityProps: map[string]any{"allowed": []any{"read", "write"}},
		})
		if err != nil {
			return err
		}
		if out.Owns.Type() != "OWNS" || out.Security.Type() != "SECURITY" {
			t.Errorf("types = %q/%q", out.Owns.Type(), out.Security.Type())
		}
		start, end := out.Owns.Endpoints()
		if start != owner.ID() || end != out.Node.ID() {
			t.Errorf("OWNS endpoints = %d->%d, want %d->%d", start, end, owner.ID(), out.Node.ID())
		}
		if got := out.Node.Labels(); len(got) != 1 || got[0] != "File" {
			t.Errorf("labels = %v", got)
		}
		_, err = s.CreateNodeWithOwnerEdges(ctx, nil, nil, OwnerEdges{})
		if err == nil {
			t.Error("missing owner should fail")
		}
		_, err = s.CreateNodeWithOwnerEdges(ctx, nil, nil, OwnerEdges{Owner: owner, OwnsType: "bad type", SecurityType: "S"})
		if err == nil {
			t.Error("invalid relationship type should fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTenantLabel(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{Tenant: "Acme"}, nil)

	var id int64
	_ = s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		n, err := s.CreateNode(ctx, []string{"Person"}, nil)
		if err != nil {
			return err
		}
		id = n.ID()
		return nil
	})
	stored, ok := g.committedNode(id)
	if !ok {
		t.Fatal("node not committed")
	}
	if len(stored.labels) != 2 || stored.labels[1] != "Acme" {
		t.Errorf("labels = %v, want [Person Acme]", stored.labels)
	}

	// nodes outside the tenant are invisible
	g.mu.Lock()
	g.nextID++
	foreign := g.nextID
	g.state.nodes[foreign] = &fakeNode{labels: []string{"Person"}, props: map[string]any{}}
	g.mu.Unlock()

	_ = s.Execute(context.Background(), func(ctx context.Context, tx *Transaction) error {
		if _, err := tx.NodeByID(ctx, foreign); !dberr.Is(err, dberr.KindNotFound) {
			t.Errorf("foreign node lookup = %v, want not found", err)
		}
		nodes, _, err := s.NodeAndRelationshipCount(ctx)
		if err != nil {
			return err
		}
		if nodes != 1 {
			t.Errorf("tenant node count = %d, want 1", nodes)
		}
		return nil
	})
}

func TestBulkQueries(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)

	_ = s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		a, _ := s.CreateNode(ctx, []string{"Person"}, map[string]any{"type": "user"})
		b, _ := s.CreateNode(ctx, []string{"Person"}, map[string]any{"type": "admin"})
		c, _ := s.CreateNode(ctx, []string{"Group"}, map[string]any{"type": "user"})
		_, _ = s.CreateRelationship(ctx, a, c, "MEMBER_OF", nil)
		_, err := s.CreateRelationship(ctx, b, c, "ADMIN_OF", nil)
		return err
	})

	collect := func(open func(ctx context.Context) (*EntityStream, error)) int {
		t.Helper()
		var n int
		err := s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
			stream, err := open(ctx)
			if err != nil {
				return err
			}
			all, err := stream.Collect(ctx)
			n = len(all)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return n
	}

	tests := []struct {
		name string
		open func(ctx context.Context) (*EntityStream, error)
		want int
	}{
		{"all nodes", s.AllNodes, 3},
		{"by label", func(ctx context.Context) (*EntityStream, error) { return s.NodesByLabel(ctx, "Person") }, 2},
		{"by type", func(ctx context.Context) (*EntityStream, error) { return s.NodesByTypeProperty(ctx, "user") }, 2},
		{"all relationships", s.AllRelationships, 2},
		{"by relationship type", func(ctx context.Context) (*EntityStream, error) { return s.RelationshipsByType(ctx, "ADMIN_OF") }, 1},
	}
	for _, tt := range tests {
		if got := collect(tt.open); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}

	err := s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		if _, err := s.NodesByLabel(ctx, "bad label"); err == nil {
			t.Error("invalid label should fail")
		}
		return s.DeleteNodesByLabel(ctx, "Person")
	})
	if err != nil {
		t.Fatal(err)
	}
	if info := s.CachesInfo()["nodes"]; info.Size != 0 {
		t.Errorf("node cache size = %d after bulk delete, want 0", info.Size)
	}

	_ = s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		nodes, rels, err := s.NodeAndRelationshipCount(ctx)
		if err != nil {
			return err
		}
		if nodes != 1 || rels != 0 {
			t.Errorf("counts = %d/%d, want 1/0", nodes, rels)
		}
		return s.CleanDatabase(ctx)
	})
	_ = s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		nodes, _, err := s.NodeAndRelationshipCount(ctx)
		if nodes != 0 {
			t.Errorf("nodes = %d after CleanDatabase, want 0", nodes)
		}
		return err
	})
}

func TestCachesInfoAndClear(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{NodeCacheSize: 10, RelationshipCacheSize: 20}, nil)
	createNamed(t, s, "a")

	info := s.CachesInfo()
	if info["nodes"].Capacity != 10 || info["relationships"].Capacity != 20 {
		t.Errorf("capacities = %d/%d, want 10/20", info["nodes"].Capacity, info["relationships"].Capacity)
	}
	if info["nodes"].Size != 1 {
		t.Errorf("node cache size = %d, want 1", info["nodes"].Size)
	}
	s.ClearCaches()
	if got := s.Cache().Info(models.KindNode).Size; got != 0 {
		t.Errorf("size after ClearCaches = %d, want 0", got)
	}
}

func TestShutdown(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.BeginTransaction(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("BeginTransaction after Shutdown = %v, want ErrNotInitialized", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestSnapshotAndExport(t *testing.T) {
	g := newFakeGraph()
	s := newTestService(t, g, Options{}, nil)

	_ = s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		a, _ := s.CreateNode(ctx, []string{"Host"}, map[string]any{"name": "web"})
		b, _ := s.CreateNode(ctx, []string{"Database"}, map[string]any{"name": "pg"})
		_, err := s.CreateRelationship(ctx, a, b, "CONNECTS_TO", nil)
		return err
	})

	var data GraphData
	err := s.Execute(context.Background(), func(ctx context.Context, _ *Transaction) error {
		var err error
		data, err = s.Snapshot(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Nodes) != 2 || len(data.Relationships) != 1 {
		t.Fatalf("snapshot = %d nodes / %d rels, want 2/1", len(data.Nodes), len(data.Relationships))
	}
	if data.Nodes[0].Properties["name"] != "web" {
		t.Errorf("first node = %v", data.Nodes[0])
	}
	if data.Relationships[0].Type != "CONNECTS_TO" {
		t.Errorf("relationship type = %q", data.Relationships[0].Type)
	}

	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("Snapshot outside a transaction = %v, want ErrNotInTransaction", err)
	}
}
