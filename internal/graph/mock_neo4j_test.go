package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/matijazezelj/graphcore/internal/dberr"
)

// mockRunCall records a single Run invocation.
type mockRunCall struct {
	cypher string
	params map[string]any
}

// mockResult implements resultIterator over fixed records.
type mockResult struct {
	records    []*neo4j.Record
	index      int
	err        error
	consumeErr error
	consumed   bool
	onConsume  func()

	// pulled counts records handed out by Next, read concurrently by tests
	pulled atomic.Int64
}

func (m *mockResult) Keys() ([]string, error) {
	if len(m.records) > 0 {
		return m.records[0].Keys, nil
	}
	return nil, nil
}

func (m *mockResult) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		m.err = err
		return false
	}
	if m.index < len(m.records) {
		m.index++
		m.pulled.Add(1)
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	if m.index > 0 && m.index <= len(m.records) {
		return m.records[m.index-1]
	}
	return nil
}

func (m *mockResult) Err() error {
	return m.err
}

func (m *mockResult) Consume(_ context.Context) error {
	m.consumed = true
	if m.onConsume != nil {
		m.onConsume()
	}
	return m.consumeErr
}

// mockTx implements txRunner for executor tests.
type mockTx struct {
	mu      sync.Mutex
	calls   []mockRunCall
	runFunc func(ctx context.Context, cypher string, params map[string]any) (resultIterator, error)
}

func (m *mockTx) Run(ctx context.Context, cypher string, params map[string]any) (resultIterator, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockRunCall{cypher: cypher, params: params})
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, cypher, params)
	}
	return &mockResult{}, nil
}

func (m *mockTx) Commit(_ context.Context) error   { return nil }
func (m *mockTx) Rollback(_ context.Context) error { return nil }

// makeRecord creates a *neo4j.Record from key-value pairs.
func makeRecord(kv map[string]any) *neo4j.Record {
	keys := make([]string, 0, len(kv))
	values := make([]any, 0, len(kv))
	for k, v := range kv {
		keys = append(keys, k)
		values = append(values, v)
	}
	return &neo4j.Record{Keys: keys, Values: values}
}

// countRecords returns n records with a single column i = 1..n.
func countRecords(n int) []*neo4j.Record {
	out := make([]*neo4j.Record, n)
	for i := range out {
		out[i] = &neo4j.Record{Keys: []string{"i"}, Values: []any{int64(i + 1)}}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// --- in-memory graph behind the driver seam ---

type fakeNode struct {
	labels []string
	props  map[string]any
}

type fakeRel struct {
	typ        string
	start, end int64
	props      map[string]any
}

type fakeState struct {
	nodes map[int64]*fakeNode
	rels  map[int64]*fakeRel
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		nodes: make(map[int64]*fakeNode, len(s.nodes)),
		rels:  make(map[int64]*fakeRel, len(s.rels)),
	}
	for id, n := range s.nodes {
		out.nodes[id] = &fakeNode{labels: slices.Clone(n.labels), props: maps.Clone(n.props)}
	}
	for id, r := range s.rels {
		out.rels[id] = &fakeRel{typ: r.typ, start: r.start, end: r.end, props: maps.Clone(r.props)}
	}
	return out
}

type fakeIndex struct {
	name  string
	typ   string
	label string
	prop  string
	state string
}

type fakeFault struct {
	match string
	err   error
	times int
}

// fakeGraph understands the statements the service composes. Every
// transaction works on a private copy of the committed state; committing a
// transaction that wrote replaces the committed state, so tests keep
// concurrent writers apart.
type fakeGraph struct {
	mu       sync.Mutex
	state    fakeState
	nextID   int64
	agent    string
	password string
	indexes  []fakeIndex

	faults      []*fakeFault
	runDelay    time.Duration
	commitDelay time.Duration
	commitErr   error

	statements   []string
	metadata     []map[string]any
	databases    []string
	begins       int
	commits      int
	rollbacks    int
	consumes     int
	openSessions int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		state:    fakeState{nodes: map[int64]*fakeNode{}, rels: map[int64]*fakeRel{}},
		agent:    "Neo4j/5.13.0",
		password: "neo4j",
	}
}

func (g *fakeGraph) dial(_, username, password string) (driverConn, error) {
	return &fakeDriver{g: g, username: username, password: password}, nil
}

// addFault makes statements containing match fail with err. times limits
// how often; zero means always.
func (g *fakeGraph) addFault(match string, err error, times int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = append(g.faults, &fakeFault{match: match, err: err, times: times})
}

func (g *fakeGraph) faultLocked(stmt string) error {
	for i, f := range g.faults {
		if !strings.Contains(stmt, f.match) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				g.faults = slices.Delete(g.faults, i, i+1)
			}
		}
		return f.err
	}
	return nil
}

func (g *fakeGraph) setRunDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runDelay = d
}

func (g *fakeGraph) setCommitDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitDelay = d
}

func (g *fakeGraph) ran(stmt string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.statements {
		if s == stmt {
			n++
		}
	}
	return n
}

func (g *fakeGraph) counters() (begins, commits, rollbacks int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.begins, g.commits, g.rollbacks
}

func (g *fakeGraph) committedNode(id int64) (*fakeNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.state.nodes[id]
	return n, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeDriver struct {
	g        *fakeGraph
	username string
	password string
}

func (d *fakeDriver) NewSession(_ context.Context, database string) sessionRunner {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	d.g.openSessions++
	d.g.databases = append(d.g.databases, database)
	return &fakeSession{g: d.g, driver: d}
}

func (d *fakeDriver) VerifyConnectivity(_ context.Context) error {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if d.password != d.g.password {
		return &neo4j.Neo4jError{Code: dberr.CodeUnauthorized, Msg: "The client is unauthorized due to authentication failure."}
	}
	return nil
}

func (d *fakeDriver) ServerAgent(_ context.Context) (string, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	return d.g.agent, nil
}

func (d *fakeDriver) Close(_ context.Context) error { return nil }

type fakeSession struct {
	g      *fakeGraph
	driver *fakeDriver
}

func (s *fakeSession) BeginTransaction(_ context.Context, cfg txConfig) (txRunner, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if err := s.g.faultLocked("BEGIN"); err != nil {
		return nil, err
	}
	s.g.begins++
	s.g.metadata = append(s.g.metadata, cfg.Metadata)
	return &fakeTx{g: s.g, driver: s.driver, state: s.g.state.clone()}, nil
}

func (s *fakeSession) Close(_ context.Context) error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	s.g.openSessions--
	return nil
}

type fakeTx struct {
	g      *fakeGraph
	driver *fakeDriver
	state  fakeState
	dirty  bool
}

func (tx *fakeTx) Run(ctx context.Context, stmt string, params map[string]any) (resultIterator, error) {
	g := tx.g
	g.mu.Lock()
	g.statements = append(g.statements, stmt)
	if err := g.faultLocked(stmt); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	delay := g.runDelay
	g.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	records, err := tx.execLocked(stmt, params)
	if err != nil {
		return nil, err
	}
	return &mockResult{records: records, onConsume: func() {
		g.mu.Lock()
		g.consumes++
		g.mu.Unlock()
	}}, nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	g := tx.g
	g.mu.Lock()
	delay, cerr := g.commitDelay, g.commitErr
	g.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cerr != nil {
		return cerr
	}
	if tx.dirty {
		g.state = tx.state
	}
	g.commits++
	return nil
}

func (tx *fakeTx) Rollback(_ context.Context) error {
	tx.g.mu.Lock()
	defer tx.g.mu.Unlock()
	tx.g.rollbacks++
	return nil
}

func between(s, from, to string) string {
	i := strings.Index(s, from)
	if i < 0 {
		return ""
	}
	rest := s[i+len(from):]
	j := strings.Index(rest, to)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// namesIn splits ":`A`:`B`" into its identifiers.
func namesIn(expr string) []string {
	var out []string
	for _, part := range strings.Split(expr, ":") {
		part = strings.Trim(part, "` ")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasLabels(n *fakeNode, labels []string) bool {
	for _, l := range labels {
		if !slices.Contains(n.labels, l) {
			return false
		}
	}
	return true
}

func nodeValue(id int64, n *fakeNode) neo4j.Node {
	return neo4j.Node{
		Id:        id, //nolint:staticcheck // numeric ids key the cache
		ElementId: strconv.FormatInt(id, 10),
		Labels:    slices.Clone(n.labels),
		Props:     maps.Clone(n.props),
	}
}

func relValue(id int64, r *fakeRel) neo4j.Relationship {
	return neo4j.Relationship{
		Id:        id,      //nolint:staticcheck // numeric ids key the cache
		StartId:   r.start, //nolint:staticcheck // numeric ids key the cache
		EndId:     r.end,   //nolint:staticcheck // numeric ids key the cache
		ElementId: strconv.FormatInt(id, 10),
		Type:      r.typ,
		Props:     maps.Clone(r.props),
	}
}

func record(keys []string, values ...any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func propsParam(params map[string]any, key string) map[string]any {
	p, _ := params[key].(map[string]any)
	return maps.Clone(p)
}

// stmtRawRename is a caller-supplied write the cache knows nothing about.
const stmtRawRename = "MATCH (n) WHERE id(n) = $id SET n.name = $name"

func (tx *fakeTx) newID() int64 {
	tx.g.nextID++
	return tx.g.nextID
}

func (tx *fakeTx) execLocked(stmt string, params map[string]any) ([]*neo4j.Record, error) {
	st := &tx.state
	id, _ := params["id"].(int64)

	switch {
	case stmt == stmtChangeInitialSecret:
		if params["old"] != tx.g.password {
			return nil, &neo4j.Neo4jError{Code: dberr.CodeUnauthorized, Msg: "wrong current password"}
		}
		tx.g.password, _ = params["new"].(string)
		return nil, nil

	case stmt == stmtRelationshipByID:
		if r, ok := st.rels[id]; ok {
			return []*neo4j.Record{record([]string{"r"}, relValue(id, r))}, nil
		}
		return nil, nil

	case stmt == stmtSetNodeProps, stmt == stmtSetRelProps:
		var props map[string]any
		if stmt == stmtSetNodeProps {
			if n, ok := st.nodes[id]; ok {
				props = n.props
			}
		} else if r, ok := st.rels[id]; ok {
			props = r.props
		}
		if props == nil {
			return nil, nil
		}
		for k, v := range propsParam(params, "props") {
			if v == nil {
				delete(props, k)
			} else {
				props[k] = v
			}
		}
		tx.dirty = true
		return nil, nil

	case stmt == stmtDeleteNode:
		if _, ok := st.nodes[id]; !ok {
			return nil, nil
		}
		rels := []any{}
		for _, rid := range sortedIDs(st.rels) {
			if r := st.rels[rid]; r.start == id || r.end == id {
				rels = append(rels, rid)
				delete(st.rels, rid)
			}
		}
		delete(st.nodes, id)
		tx.dirty = true
		return []*neo4j.Record{record([]string{"rels"}, rels)}, nil

	case stmt == stmtDeleteRelationship:
		if _, ok := st.rels[id]; !ok {
			return nil, nil
		}
		delete(st.rels, id)
		tx.dirty = true
		return []*neo4j.Record{record([]string{"rid"}, id)}, nil

	case stmt == stmtCountRelationships:
		return []*neo4j.Record{record([]string{"c"}, int64(len(st.rels)))}, nil

	case stmt == stmtAllRelationships:
		var out []*neo4j.Record
		for _, rid := range sortedIDs(st.rels) {
			out = append(out, record([]string{"r"}, relValue(rid, st.rels[rid])))
		}
		return out, nil

	case stmt == stmtRawRename:
		if n, ok := st.nodes[id]; ok {
			n.props["name"] = params["name"]
			tx.dirty = true
		}
		return nil, nil

	case stmt == "UNWIND range(1, $count) AS i RETURN i":
		n, _ := params["count"].(int64)
		return countRecords(int(n)), nil

	case strings.HasPrefix(stmt, "CREATE (n") && strings.HasSuffix(stmt, ") SET n = $props RETURN n"):
		n := &fakeNode{labels: namesIn(between(stmt, "CREATE (n", ") SET")), props: propsParam(params, "props")}
		nid := tx.newID()
		st.nodes[nid] = n
		tx.dirty = true
		return []*neo4j.Record{record([]string{"n"}, nodeValue(nid, n))}, nil

	case strings.HasPrefix(stmt, "MATCH (a), (b) WHERE id(a) = $from AND id(b) = $to CREATE (a)-[r"):
		from, _ := params["from"].(int64)
		to, _ := params["to"].(int64)
		if st.nodes[from] == nil || st.nodes[to] == nil {
			return nil, nil
		}
		types := namesIn(between(stmt, "CREATE (a)-[r", "]->(b)"))
		r := &fakeRel{typ: types[0], start: from, end: to, props: propsParam(params, "props")}
		rid := tx.newID()
		st.rels[rid] = r
		tx.dirty = true
		return []*neo4j.Record{record([]string{"r"}, relValue(rid, r))}, nil

	case strings.HasPrefix(stmt, "MATCH (u) WHERE id(u) = $owner"):
		owner, _ := params["owner"].(int64)
		if st.nodes[owner] == nil {
			return nil, nil
		}
		n := &fakeNode{labels: namesIn(between(stmt, "]->(n", ") CREATE")), props: propsParam(params, "props")}
		nid := tx.newID()
		st.nodes[nid] = n
		o := &fakeRel{typ: namesIn(between(stmt, "CREATE (u)-[o", "]->"))[0], start: owner, end: nid, props: propsParam(params, "ownsProps")}
		oid := tx.newID()
		st.rels[oid] = o
		s := &fakeRel{typ: namesIn(between(stmt, "CREATE (u)-[s", "]->"))[0], start: owner, end: nid, props: propsParam(params, "securityProps")}
		sid := tx.newID()
		st.rels[sid] = s
		tx.dirty = true
		return []*neo4j.Record{record([]string{"n", "o", "s"}, nodeValue(nid, n), relValue(oid, o), relValue(sid, s))}, nil

	case strings.HasPrefix(stmt, "MATCH (n") && strings.HasSuffix(stmt, ") WHERE id(n) = $id RETURN n"):
		n, ok := st.nodes[id]
		if !ok || !hasLabels(n, namesIn(between(stmt, "MATCH (n", ") WHERE"))) {
			return nil, nil
		}
		return []*neo4j.Record{record([]string{"n"}, nodeValue(id, n))}, nil

	case strings.HasPrefix(stmt, "MATCH (n)") && strings.HasSuffix(stmt, " WHERE id(n) = $id RETURN r"):
		pattern := between(stmt, "MATCH ", " WHERE")
		types := namesIn(between(pattern, "[r", "]"))
		var out []*neo4j.Record
		for _, rid := range sortedIDs(st.rels) {
			r := st.rels[rid]
			if len(types) > 0 && r.typ != types[0] {
				continue
			}
			var match bool
			switch {
			case strings.HasPrefix(pattern, "(n)<-"):
				match = r.end == id
			case strings.HasSuffix(pattern, "->()"):
				match = r.start == id
			default:
				match = r.start == id || r.end == id
			}
			if match {
				out = append(out, record([]string{"r"}, relValue(rid, r)))
			}
		}
		return out, nil

	case strings.HasPrefix(stmt, "MATCH (n") && strings.HasSuffix(stmt, ") WHERE n.type = $type RETURN n"):
		labels := namesIn(between(stmt, "MATCH (n", ") WHERE"))
		var out []*neo4j.Record
		for _, nid := range sortedIDs(st.nodes) {
			n := st.nodes[nid]
			if hasLabels(n, labels) && n.props["type"] == params["type"] {
				out = append(out, record([]string{"n"}, nodeValue(nid, n)))
			}
		}
		return out, nil

	case strings.HasPrefix(stmt, "MATCH (n") && strings.HasSuffix(stmt, ") RETURN n"):
		labels := namesIn(between(stmt, "MATCH (n", ") RETURN"))
		var out []*neo4j.Record
		for _, nid := range sortedIDs(st.nodes) {
			if n := st.nodes[nid]; hasLabels(n, labels) {
				out = append(out, record([]string{"n"}, nodeValue(nid, n)))
			}
		}
		return out, nil

	case strings.HasPrefix(stmt, "MATCH (n") && strings.HasSuffix(stmt, ") DETACH DELETE n"):
		labels := namesIn(between(stmt, "MATCH (n", ") DETACH"))
		for _, nid := range sortedIDs(st.nodes) {
			if !hasLabels(st.nodes[nid], labels) {
				continue
			}
			for rid, r := range st.rels {
				if r.start == nid || r.end == nid {
					delete(st.rels, rid)
				}
			}
			delete(st.nodes, nid)
			tx.dirty = true
		}
		return nil, nil

	case strings.HasPrefix(stmt, "MATCH (n") && strings.HasSuffix(stmt, ") RETURN count(n) AS c"):
		labels := namesIn(between(stmt, "MATCH (n", ") RETURN"))
		var c int64
		for _, n := range st.nodes {
			if hasLabels(n, labels) {
				c++
			}
		}
		return []*neo4j.Record{record([]string{"c"}, c)}, nil

	case strings.HasPrefix(stmt, "MATCH ()-[r") && strings.HasSuffix(stmt, "]->() RETURN r"):
		types := namesIn(between(stmt, "MATCH ()-[r", "]->()"))
		var out []*neo4j.Record
		for _, rid := range sortedIDs(st.rels) {
			if r := st.rels[rid]; len(types) > 0 && r.typ == types[0] {
				out = append(out, record([]string{"r"}, relValue(rid, r)))
			}
		}
		return out, nil
	}

	return tx.g.indexStatementLocked(stmt)
}

func (g *fakeGraph) indexStatementLocked(stmt string) ([]*neo4j.Record, error) {
	switch {
	case strings.HasPrefix(stmt, "SHOW INDEXES YIELD"):
		keys := []string{"name", "type", "entityType", "labelsOrTypes", "properties", "state"}
		var out []*neo4j.Record
		for _, ix := range g.indexes {
			out = append(out, record(keys, ix.name, ix.typ, "NODE", []any{ix.label}, []any{ix.prop}, ix.state))
		}
		return out, nil

	case stmt == "SHOW INDEX INFO":
		keys := []string{"index type", "label", "property", "count"}
		var out []*neo4j.Record
		for _, ix := range g.indexes {
			out = append(out, record(keys, ix.typ, ix.label, ix.prop, int64(0)))
		}
		return out, nil

	case strings.HasPrefix(stmt, "CREATE INDEX IF NOT EXISTS FOR (n"):
		label := namesIn(between(stmt, "FOR (n", ") ON"))[0]
		prop := strings.Trim(between(stmt, "ON (n.", ")"), "`")
		g.addIndexLocked("RANGE", label, prop)
		return nil, nil

	case strings.HasPrefix(stmt, "DROP INDEX `"):
		name := strings.Trim(between(stmt, "DROP INDEX ", " IF EXISTS"), "`")
		g.indexes = slices.DeleteFunc(g.indexes, func(ix fakeIndex) bool { return ix.name == name })
		return nil, nil

	case strings.HasPrefix(stmt, "CREATE INDEX ON :"), strings.HasPrefix(stmt, "DROP INDEX ON :"):
		label := strings.Trim(between(stmt, "ON :", "("), "`")
		prop := strings.Trim(between(stmt, "(", ")"), "`")
		if strings.HasPrefix(stmt, "CREATE") {
			g.addIndexLocked("label+property", label, prop)
		} else {
			g.indexes = slices.DeleteFunc(g.indexes, func(ix fakeIndex) bool { return ix.label == label && ix.prop == prop })
		}
		return nil, nil
	}
	return nil, &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: fmt.Sprintf("fake graph cannot run %q", stmt)}
}

func (g *fakeGraph) addIndexLocked(typ, label, prop string) {
	for _, ix := range g.indexes {
		if ix.label == label && ix.prop == prop {
			return
		}
	}
	g.nextID++
	g.indexes = append(g.indexes, fakeIndex{
		name:  fmt.Sprintf("index_%d", g.nextID),
		typ:   typ,
		label: label,
		prop:  prop,
		state: "ONLINE",
	})
}

// newTestService initializes a Service on top of g.
func newTestService(t *testing.T, g *fakeGraph, opts Options, logger *slog.Logger) *Service {
	t.Helper()
	if opts.URI == "" {
		opts.URI = "bolt://fake:7687"
	}
	if opts.Username == "" {
		opts.Username = "neo4j"
	}
	if opts.Password == "" {
		opts.Password = g.password
	}
	if opts.Path == "" {
		opts.Path = t.TempDir()
	}
	if logger == nil {
		logger = discardLogger()
	}
	s := NewService(opts, logger)
	s.dial = g.dial
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}
