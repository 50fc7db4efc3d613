package server

import "net/http"

// RegisterRoutes registers all routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /api/v1/server", s.handleServer)
	mux.HandleFunc("GET /api/v1/caches", s.handleCaches)
	mux.HandleFunc("GET /api/v1/count", s.handleCount)
	mux.HandleFunc("GET /api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/v1/export/{format}", s.handleExport)

	if !s.opts.ReadOnly {
		mux.HandleFunc("POST /api/v1/caches/clear", s.handleClearCaches)
	}
}
