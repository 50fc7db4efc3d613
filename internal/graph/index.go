package graph

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"
)

// indexConcurrency bounds concurrent index DDL transactions.
const indexConcurrency = 4

// IndexConfig is the desired set of single-property indexes.
type IndexConfig struct {
	// Indexed maps label -> property -> whether an index should exist.
	Indexed map[string]map[string]bool `yaml:"indexed"`
	// Removed lists labels whose indexes should all be dropped.
	Removed []string `yaml:"removed"`
}

// LoadIndexConfig reads an IndexConfig from a yaml file.
func LoadIndexConfig(path string) (IndexConfig, error) {
	var cfg IndexConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading index config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing index config %s: %w", path, err)
	}
	return cfg, nil
}

// IndexReport summarizes an index update.
type IndexReport struct {
	Existing int `json:"existing" yaml:"existing"`
	Created  int `json:"created" yaml:"created"`
	Dropped  int `json:"dropped" yaml:"dropped"`
}

type indexDef struct {
	Name     string
	Label    string
	Property string
	State    string
}

func (d indexDef) key() string { return d.Label + "." + d.Property }

func (d indexDef) failed() bool { return strings.EqualFold(d.State, "FAILED") }

// indexStrategy hides the index DDL dialect of a server version.
type indexStrategy interface {
	Name() string
	listStatement() string
	parse(row Row) (indexDef, bool)
	createStatement(label, property string) (string, error)
	dropStatement(def indexDef) (string, error)
}

func newIndexStrategy(v ServerVersion) indexStrategy {
	switch {
	case v.IsMemgraph():
		return labelPropertyIndexStrategy{list: "SHOW INDEX INFO"}
	case v.supportsSchemaIndexes():
		return schemaIndexStrategy{}
	default:
		return labelPropertyIndexStrategy{list: "CALL db.indexes()"}
	}
}

// schemaIndexStrategy uses named range indexes (Neo4j 4.3 and later).
type schemaIndexStrategy struct{}

func (schemaIndexStrategy) Name() string { return "schema" }

func (schemaIndexStrategy) listStatement() string {
	return "SHOW INDEXES YIELD name, type, entityType, labelsOrTypes, properties, state"
}

func (schemaIndexStrategy) parse(row Row) (indexDef, bool) {
	typ, _ := row.Values["type"].(string)
	if typ != "RANGE" && typ != "BTREE" {
		return indexDef{}, false
	}
	if entity, _ := row.Values["entityType"].(string); entity != "" && entity != "NODE" {
		return indexDef{}, false
	}
	label, ok1 := single(row.Values["labelsOrTypes"])
	prop, ok2 := single(row.Values["properties"])
	if !ok1 || !ok2 {
		return indexDef{}, false
	}
	name, _ := row.Values["name"].(string)
	state, _ := row.Values["state"].(string)
	return indexDef{Name: name, Label: label, Property: prop, State: state}, true
}

func (schemaIndexStrategy) createStatement(label, property string) (string, error) {
	l, err := quote(label)
	if err != nil {
		return "", err
	}
	p, err := quote(property)
	if err != nil {
		return "", err
	}
	return "CREATE INDEX IF NOT EXISTS FOR (n:" + l + ") ON (n." + p + ")", nil
}

func (schemaIndexStrategy) dropStatement(def indexDef) (string, error) {
	n, err := quote(def.Name)
	if err != nil {
		return "", err
	}
	return "DROP INDEX " + n + " IF EXISTS", nil
}

// labelPropertyIndexStrategy uses anonymous label/property indexes (Memgraph
// and older Neo4j).
type labelPropertyIndexStrategy struct {
	list string
}

func (labelPropertyIndexStrategy) Name() string { return "label_property" }

func (s labelPropertyIndexStrategy) listStatement() string { return s.list }

func (labelPropertyIndexStrategy) parse(row Row) (indexDef, bool) {
	if typ, ok := row.Values["index type"].(string); ok && typ != "label+property" {
		return indexDef{}, false
	}

	label, ok := row.Values["label"].(string)
	if !ok {
		if label, ok = single(row.Values["labelsOrTypes"]); !ok {
			label, ok = single(row.Values["tokenNames"])
		}
	}
	if !ok || label == "" {
		return indexDef{}, false
	}

	prop, ok := row.Values["property"].(string)
	if !ok {
		if prop, ok = single(row.Values["property"]); !ok {
			prop, ok = single(row.Values["properties"])
		}
	}
	if !ok || prop == "" {
		return indexDef{}, false
	}
	state, _ := row.Values["state"].(string)
	return indexDef{Label: label, Property: prop, State: state}, true
}

func (labelPropertyIndexStrategy) createStatement(label, property string) (string, error) {
	return labelPropertyDDL("CREATE", label, property)
}

func (labelPropertyIndexStrategy) dropStatement(def indexDef) (string, error) {
	return labelPropertyDDL("DROP", def.Label, def.Property)
}

func labelPropertyDDL(verb, label, property string) (string, error) {
	l, err := quote(label)
	if err != nil {
		return "", err
	}
	p, err := quote(property)
	if err != nil {
		return "", err
	}
	return verb + " INDEX ON :" + l + "(" + p + ")", nil
}

// single returns the only string of a one-element list.
func single(v any) (string, bool) {
	list, ok := v.([]any)
	if !ok || len(list) != 1 {
		return "", false
	}
	s, ok := list[0].(string)
	return s, ok
}

type indexOp struct {
	statement string
	drop      bool
}

// UpdateIndexConfiguration reconciles the server's single-property indexes
// with cfg. With createOnly set nothing is dropped except failed indexes.
// Every DDL statement runs in its own short transaction and is retried on
// retryable failures.
func (s *Service) UpdateIndexConfiguration(ctx context.Context, cfg IndexConfig, createOnly bool) (IndexReport, error) {
	s.mu.RLock()
	strategy := s.indexes
	s.mu.RUnlock()
	if strategy == nil || !s.ready.Load() {
		return IndexReport{}, ErrNotInitialized
	}

	existing, err := s.listIndexes(ctx, strategy)
	if err != nil {
		return IndexReport{}, err
	}
	report := IndexReport{Existing: len(existing)}

	failed, ops, err := planIndexOps(strategy, existing, cfg, createOnly)
	if err != nil {
		return report, err
	}

	for _, batch := range [][]indexOp{failed, ops} {
		if err := s.runIndexOps(ctx, strategy, batch); err != nil {
			return report, err
		}
		for _, op := range batch {
			if op.drop {
				report.Dropped++
			} else {
				report.Created++
			}
		}
	}
	return report, nil
}

func (s *Service) listIndexes(ctx context.Context, strategy indexStrategy) ([]indexDef, error) {
	var defs []indexDef
	err := s.Execute(WithoutTransaction(ctx), func(ctx context.Context, tx *Transaction) error {
		defs = defs[:0]
		stream, err := tx.RunStream(ctx, strategy.listStatement(), nil)
		if err != nil {
			return err
		}
		defer stream.Close(ctx) //nolint:errcheck // best-effort cleanup
		for stream.Next(ctx) {
			if def, ok := strategy.parse(stream.Row()); ok {
				defs = append(defs, def)
			}
		}
		return stream.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	return defs, nil
}

// planIndexOps returns the drops of failed indexes, which must run first,
// and the remaining creates and drops.
func planIndexOps(strategy indexStrategy, existing []indexDef, cfg IndexConfig, createOnly bool) (failed, ops []indexOp, err error) {
	online := make(map[string]indexDef)
	for _, def := range existing {
		if def.failed() {
			stmt, err := strategy.dropStatement(def)
			if err != nil {
				return nil, nil, err
			}
			failed = append(failed, indexOp{statement: stmt, drop: true})
			continue
		}
		online[def.key()] = def
	}

	labels := make([]string, 0, len(cfg.Indexed))
	for label := range cfg.Indexed {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		props := make([]string, 0, len(cfg.Indexed[label]))
		for p := range cfg.Indexed[label] {
			props = append(props, p)
		}
		sort.Strings(props)

		for _, prop := range props {
			want := cfg.Indexed[label][prop]
			def, exists := online[label+"."+prop]
			switch {
			case want && !exists:
				stmt, err := strategy.createStatement(label, prop)
				if err != nil {
					return nil, nil, err
				}
				ops = append(ops, indexOp{statement: stmt})
			case !want && exists && !createOnly:
				stmt, err := strategy.dropStatement(def)
				if err != nil {
					return nil, nil, err
				}
				ops = append(ops, indexOp{statement: stmt, drop: true})
			}
		}
	}

	if createOnly {
		return failed, ops, nil
	}
	removed := make(map[string]bool, len(cfg.Removed))
	for _, l := range cfg.Removed {
		removed[l] = true
	}
	keys := make([]string, 0, len(online))
	for k := range online {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		def := online[k]
		if !removed[def.Label] {
			continue
		}
		stmt, err := strategy.dropStatement(def)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, indexOp{statement: stmt, drop: true})
	}
	return failed, ops, nil
}

func (s *Service) runIndexOps(ctx context.Context, strategy indexStrategy, ops []indexOp) error {
	if len(ops) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexConcurrency)
	for _, op := range ops {
		g.Go(func() error {
			err := s.Execute(WithoutTransaction(gctx), func(ctx context.Context, tx *Transaction) error {
				return tx.RunForSideEffect(ctx, op.statement, nil)
			})
			if err != nil {
				s.logger.Warn("index update failed", "strategy", strategy.Name(), "statement", op.statement, "error", err)
				return fmt.Errorf("index update %q: %w", op.statement, err)
			}
			s.logger.Info("index updated", "strategy", strategy.Name(), "statement", op.statement)
			return nil
		})
	}
	return g.Wait()
}
