package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/dberr"
	"github.com/matijazezelj/graphcore/internal/graph"
)

const maxTransactionsLimit = 1000

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeGraphError maps database failures onto HTTP statuses.
func (s *Server) writeGraphError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	switch {
	case errors.Is(err, graph.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "database not initialized")
	case dberr.Is(err, dberr.KindNetwork), dberr.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "database timeout")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		cache.NewCollector(s.svc.Cache()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server":   s.svc.ServerVersion().String(),
		"executor": s.svc.ExecutorMode(),
		"version":  s.version,
	})
}

func (s *Server) handleCaches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CachesInfo())
}

func (s *Server) handleClearCaches(w http.ResponseWriter, _ *http.Request) {
	s.svc.ClearCaches()
	writeJSON(w, http.StatusOK, s.svc.CachesInfo())
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	var nodes, rels int64
	err := s.svc.Execute(r.Context(), func(ctx context.Context, _ *graph.Transaction) error {
		var err error
		nodes, rels, err = s.svc.NodeAndRelationshipCount(ctx)
		return err
	})
	if err != nil {
		s.writeGraphError(w, "counting", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"nodes":         nodes,
		"relationships": rels,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.txlog == nil {
		writeError(w, http.StatusNotFound, "transaction journal disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTransactionsLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	ctx := r.Context()
	records, err := s.txlog.ListTransactions(ctx, limit)
	if err != nil {
		s.logger.Error("listing transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counts, err := s.txlog.OutcomeCounts(ctx)
	if err != nil {
		s.logger.Error("counting outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": records,
		"outcomes":     counts,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.PathValue("format")
	var contentType, ext string
	switch format {
	case "json":
		contentType, ext = "application/json", "json"
	case "dot":
		contentType, ext = "text/vnd.graphviz", "dot"
	case "mermaid":
		contentType, ext = "text/plain", "mmd"
	default:
		writeError(w, http.StatusBadRequest, "format must be json, dot or mermaid")
		return
	}

	var data graph.GraphData
	err := s.svc.Execute(r.Context(), func(ctx context.Context, _ *graph.Transaction) error {
		var err error
		data, err = s.svc.Snapshot(ctx)
		return err
	})
	if err != nil {
		s.writeGraphError(w, "export "+format, err)
		return
	}

	var out string
	switch format {
	case "json":
		out, err = graph.ExportJSON(data)
	case "dot":
		out = graph.ExportDOT(data)
	case "mermaid":
		out = graph.ExportMermaid(data)
	}
	if err != nil {
		s.writeGraphError(w, "export "+format, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="graphcore-graph.`+ext+`"`)
	_, _ = w.Write([]byte(out))
}
