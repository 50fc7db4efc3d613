package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/config"
	"github.com/matijazezelj/graphcore/internal/graph"
	"github.com/matijazezelj/graphcore/internal/journal"
	"github.com/matijazezelj/graphcore/internal/server"
	"github.com/matijazezelj/graphcore/pkg/models"
)

var (
	version   = "dev"
	cfgFile   string
	logFormat string
	logLevel  string
	logger    *slog.Logger
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "graphcore",
		Short: "graphcore: transactional graph database access",
		Long:  "Cached, transactional access to a Neo4j or Memgraph server over Bolt.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./graphcore.yaml)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		pingCmd(),
		queryCmd(),
		nodeCmd(),
		countCmd(),
		exportCmd(),
		cacheCmd(),
		propsCmd(),
		indexCmd(),
		txlogCmd(),
		serveCmd(),
		versionCmd(),
		completionCmd(),
	)
	return root
}

// app is an initialized service plus its optional journal.
type app struct {
	cfg     *config.Config
	svc     *graph.Service
	journal *journal.Journal
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.svc.Shutdown(ctx); err != nil {
		logger.Warn("shutting down database service", "error", err)
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openJournal(ctx context.Context, cfg *config.Config) (*journal.Journal, error) {
	j, err := journal.New(cfg.Journal.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return j, nil
}

// openApp connects to the server. The journal records every transaction of
// the command when enabled.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, svc: graph.NewService(cfg.GraphOptions(), logger)}
	if cfg.Journal.Enabled {
		j, err := openJournal(ctx, cfg)
		if err != nil {
			logger.Warn("transaction journal unavailable", "path", cfg.Journal.Path, "error", err)
		} else {
			a.journal = j
			a.svc.SetObserver(j)
		}
	}

	if err := a.svc.Initialize(ctx); err != nil {
		if a.journal != nil {
			_ = a.journal.Close()
		}
		return nil, err
	}
	return a, nil
}

// --- ping ---

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect to the server and report its capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Server:   %s\n", a.svc.ServerVersion())
			_, _ = fmt.Fprintf(out, "Executor: %s\n", a.svc.ExecutorMode())
			_, _ = fmt.Fprintln(out, "Features:")
			features := []struct {
				name    graph.Feature
				enabled bool
			}{
				{graph.FeatureQueryLanguage, a.svc.SupportsFeature(graph.FeatureQueryLanguage, "application/x-cypher-query")},
				{graph.FeatureSpatialQueries, a.svc.SupportsFeature(graph.FeatureSpatialQueries)},
				{graph.FeatureLargeStringIndexing, a.svc.SupportsFeature(graph.FeatureLargeStringIndexing)},
				{graph.FeatureAuthenticationRequired, a.svc.SupportsFeature(graph.FeatureAuthenticationRequired)},
			}
			for _, f := range features {
				_, _ = fmt.Fprintf(out, "  %-26s %v\n", f.name, f.enabled)
			}
			return nil
		},
	}
}

// --- query ---

func queryCmd() *cobra.Command {
	var params []string
	var output string

	cmd := &cobra.Command{
		Use:   "query <cypher>",
		Short: "Run a statement and print its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			if err := validOutput(output); err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var keys []string
			var rows []map[string]any
			err = a.svc.Execute(cmd.Context(), func(ctx context.Context, tx *graph.Transaction) error {
				keys, rows = nil, nil
				stream, err := tx.RunStream(ctx, args[0], p)
				if err != nil {
					return err
				}
				defer stream.Close(ctx) //nolint:errcheck // best-effort cleanup
				for stream.Next(ctx) {
					row := stream.Row()
					if keys == nil {
						keys = row.Keys
					}
					plain := make(map[string]any, len(row.Values))
					for k, v := range row.Values {
						if plain[k], err = plainValue(ctx, tx, v); err != nil {
							return err
						}
					}
					rows = append(rows, plain)
				}
				return stream.Err()
			})
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), output, keys, rows)
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "statement parameter as key=value (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (use: key=value)", pair)
		}
		params[k] = parseParamValue(v)
	}
	return params, nil
}

// parseParamValue keeps integers, floats and booleans typed so they compare
// equal to stored values.
func parseParamValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// plainValue replaces entity handles with printable maps.
func plainValue(ctx context.Context, tx *graph.Transaction, v any) (any, error) {
	switch val := v.(type) {
	case *cache.Entity:
		props, err := tx.Properties(ctx, val)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"id": val.ID(), "properties": props}
		if val.Kind() == models.KindNode {
			out["labels"] = val.Labels()
		} else {
			start, end := val.Endpoints()
			out["type"] = val.Type()
			out["start"] = start
			out["end"] = end
		}
		return out, nil
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			p, err := plainValue(ctx, tx, item)
			if err != nil {
				return nil, err
			}
			list[i] = p
		}
		return list, nil
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			p, err := plainValue(ctx, tx, item)
			if err != nil {
				return nil, err
			}
			m[k] = p
		}
		return m, nil
	default:
		return v, nil
	}
}

func validOutput(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported output %q (use: table, json, yaml)", format)
	}
}

func printRows(w io.Writer, format string, keys []string, rows []map[string]any) error {
	switch format {
	case "json":
		if rows == nil {
			rows = []map[string]any{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, strings.ToUpper(strings.Join(keys, "\t")))
		for _, row := range rows {
			cells := make([]string, len(keys))
			for i, k := range keys {
				cells[i] = formatCell(row[k])
			}
			_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "\n%d row(s)\n", len(rows))
		return nil
	default:
		return validOutput(format)
	}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// --- node ---

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <id>",
		Short: "Show a node, its properties and its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid node id %q", args[0])
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			return a.svc.Execute(cmd.Context(), func(ctx context.Context, tx *graph.Transaction) error {
				n, err := tx.NodeByID(ctx, id)
				if err != nil {
					return err
				}
				props, err := tx.Properties(ctx, n)
				if err != nil {
					return err
				}
				rels, err := tx.Relationships(ctx, n, graph.Both, "")
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(out, "Node %d  %s\n", n.ID(), strings.Join(n.Labels(), ":"))
				keys := make([]string, 0, len(props))
				for k := range props {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					_, _ = fmt.Fprintf(out, "  %-20s %s\n", k, formatCell(props[k]))
				}

				_, _ = fmt.Fprintf(out, "\nRelationships: %d\n", len(rels))
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTART\tEND")
				for _, r := range rels {
					start, end := r.Endpoints()
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", r.ID(), r.Type(), start, end)
				}
				return tw.Flush()
			})
		},
	}
}

// --- count ---

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count nodes and relationships",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var nodes, rels int64
			err = a.svc.Execute(cmd.Context(), func(ctx context.Context, _ *graph.Transaction) error {
				nodes, rels, err = a.svc.NodeAndRelationshipCount(ctx)
				return err
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Nodes:         %d\nRelationships: %d\n", nodes, rels)
			return nil
		},
	}
}

// --- export ---

func exportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the graph in various formats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch format {
			case "json", "dot", "mermaid":
			default:
				return fmt.Errorf("unsupported format %q (use: json, dot, mermaid)", format)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var data graph.GraphData
			err = a.svc.Execute(cmd.Context(), func(ctx context.Context, _ *graph.Transaction) error {
				data, err = a.svc.Snapshot(ctx)
				return err
			})
			if err != nil {
				return err
			}

			output, err := renderExport(format, data)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json, dot, mermaid")
	return cmd
}

func renderExport(format string, data graph.GraphData) (string, error) {
	switch format {
	case "json":
		out, err := graph.ExportJSON(data)
		if err != nil {
			return "", err
		}
		return out + "\n", nil
	case "dot":
		return graph.ExportDOT(data), nil
	case "mermaid":
		return graph.ExportMermaid(data), nil
	default:
		return "", fmt.Errorf("unsupported format %q (use: json, dot, mermaid)", format)
	}
}

// --- cache ---

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the entity caches",
	}
	cmd.AddCommand(cacheInfoCmd(), cacheClearCmd())
	return cmd
}

func cacheInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show cache sizes and hit rates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printCacheInfo(cmd.OutOrStdout(), a.svc.CachesInfo())
		},
	}
}

func cacheClearCmd() *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the caches of a running 'graphcore serve'",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/api/v1/caches/clear", nil)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("contacting %s: %w", addr, err)
			}
			defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("cache clear: %s", resp.Status)
			}
			var info map[string]models.CacheInfo
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printCacheInfo(cmd.OutOrStdout(), info)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9464", "address of a running 'graphcore serve'")
	cmd.Flags().StringVar(&token, "token", "", "API token (server.api_token)")
	return cmd
}

func printCacheInfo(w io.Writer, info map[string]models.CacheInfo) error {
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CACHE\tSIZE\tCAPACITY\tHITS\tMISSES\tHIT RATE")
	for _, name := range names {
		c := info[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", name, c.Size, c.Capacity, c.Hits, c.Misses, hitRate(c))
	}
	return tw.Flush()
}

func hitRate(c models.CacheInfo) string {
	total := c.Hits + c.Misses
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(c.Hits)*100/float64(total))
}

// --- props ---

func propsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "props",
		Short: "Read and write graph properties",
	}
	cmd.AddCommand(propsGetCmd(), propsSetCmd(), propsListCmd())
	return cmd
}

// graphProperties opens the properties file without connecting.
func graphProperties() (*graph.GraphProperties, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return graph.NewService(cfg.GraphOptions(), logger).GraphProperties(), nil
}

func propsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one graph property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := graphProperties()
			if err != nil {
				return err
			}
			v, ok, err := props.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("graph property %q not set", args[0])
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func propsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Set a graph property; omitting the value removes it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			props, err := graphProperties()
			if err != nil {
				return err
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			return props.Set(args[0], value)
		},
	}
}

func propsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List graph properties",
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := graphProperties()
			if err != nil {
				return err
			}
			keys, err := props.Keys()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KEY\tVALUE")
			for _, k := range keys {
				v, _, _ := props.Get(k)
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", k, v)
			}
			return tw.Flush()
		},
	}
}

// --- index ---

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage single-property indexes",
	}
	cmd.AddCommand(indexSyncCmd())
	return cmd
}

func indexSyncCmd() *cobra.Command {
	var createOnly bool

	cmd := &cobra.Command{
		Use:   "sync <file.yaml>",
		Short: "Create and drop indexes to match a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := graph.LoadIndexConfig(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.svc.UpdateIndexConfiguration(cmd.Context(), idx, createOnly)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Existing: %d\nCreated:  %d\nDropped:  %d\n", report.Existing, report.Created, report.Dropped)
			return err
		},
	}

	cmd.Flags().BoolVar(&createOnly, "create-only", false, "never drop indexes other than failed ones")
	return cmd
}

// --- txlog ---

func txlogCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "txlog",
		Short: "Show recently closed transactions from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			j, err := openJournal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer j.Close() //nolint:errcheck // best-effort cleanup

			records, err := j.ListTransactions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			counts, err := j.OutcomeCounts(cmd.Context())
			if err != nil {
				return err
			}
			return printTxLog(cmd.OutOrStdout(), records, counts)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions to show (0 for all)")
	return cmd
}

func printTxLog(w io.Writer, records []models.TxRecord, counts map[models.TxOutcome]int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TX\tMODE\tFINISHED\tDURATION\tOUTCOME\tACCESSED\tMODIFIED\tDELETED\tERROR")
	for _, r := range records {
		mode := r.Mode
		if r.Ping {
			mode += " (ping)"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, mode, r.FinishedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond),
			r.Outcome, r.Accessed, r.Modified, r.DeletedNodes+r.DeletedRels, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	_, _ = fmt.Fprintln(w, "\nTotals:")
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(w, "  %-20s %d\n", o, counts[models.TxOutcome(o)])
	}
	return nil
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.cfg
			if listen == "" {
				listen = cfg.Server.Listen
			}

			// a nil *journal.Journal must not become a non-nil TxLog
			var txlog server.TxLog
			if a.journal != nil {
				txlog = a.journal

				if cfg.Journal.Retention > 0 {
					pruner, err := journal.NewPruner(a.journal, cfg.Journal.PruneInterval, cfg.Journal.Retention, logger)
					if err != nil {
						logger.Error("invalid journal prune interval", "error", err)
					} else {
						pruner.Start(ctx)
						defer pruner.Stop()
					}
				}
			}

			srv := server.New(a.svc, txlog, logger, server.Options{
				Listen:     listen,
				ReadOnly:   readOnly || cfg.Server.ReadOnly,
				APIToken:   cfg.Server.APIToken,
				CORSOrigin: cfg.Server.CORSOrigin,
			}, version)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config: localhost:9464)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "disable mutating API endpoints")
	return cmd
}

// --- misc ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "graphcore %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for graphcore.

To load completions:

Bash:
  $ source <(graphcore completion bash)

Zsh:
  $ graphcore completion zsh > "${fpath[1]}/_graphcore"

Fish:
  $ graphcore completion fish | source

PowerShell:
  PS> graphcore completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
