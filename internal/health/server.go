package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker wires the probes reported by /healthz. Nil fields are skipped.
type Checker struct {
	JournalPing func(ctx context.Context) error
	NodePing    func(ctx context.Context) error
	IndexerPing func(ctx context.Context) error
	LastTick    func() (time.Time, bool)
}

// Serve starts a minimal /healthz handler.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Handler builds the /healthz mux without binding a listener.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		probe := func(name string, ping func(context.Context) error) {
			if ping == nil {
				return
			}
			if err := ping(ctx); err != nil {
				status[name] = "fail"
				code = http.StatusServiceUnavailable
				return
			}
			status[name] = "ok"
		}
		probe("journal", checker.JournalPing)
		probe("node", checker.NodePing)
		probe("indexer", checker.IndexerPing)

		if checker.LastTick != nil {
			if at, ok := checker.LastTick(); ok {
				status["last_tick"] = at.UTC().Format(time.RFC3339)
			} else {
				status["last_tick"] = "never"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
