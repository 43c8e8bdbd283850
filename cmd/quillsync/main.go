package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/quillsync/quillsync/pkg/errclass"
	quillotel "github.com/quillsync/quillsync/pkg/otel"
	"github.com/quillsync/quillsync/pkg/persist"
	"github.com/quillsync/quillsync/pkg/store"
	"github.com/quillsync/quillsync/pkg/store/rediscache"
	"github.com/quillsync/quillsync/pkg/store/sqlstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var addr, databaseURL string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", getEnv("QUILLSYNC_ADDR", ":8080"), "http listen address")
	flag.StringVar(&databaseURL, "database-url",
		getEnv("DATABASE_URL", "sqlite:file:quillsync.sqlite?cache=shared&_pragma=busy_timeout(5000)"),
		"backing store DSN (postgres://... or sqlite:file:...)")
	flag.Parse()

	if showVersion {
		fmt.Printf("quillsync %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdown, err := quillotel.Init(ctx, quillotel.Config{
		ServiceVersion: version,
		UseStdout:      os.Getenv("QUILLSYNC_STDOUT_TRACE") == "1",
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdown(ctx) }()

	st, err := sqlstore.Open(ctx, databaseURL)
	if err != nil {
		logger.Fatal("open store failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}

	var snaps store.SnapshotStore = st
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cache, err := rediscache.New(snaps, redisAddr, rediscache.WithLogger(logger))
		if err != nil {
			logger.Fatal("redis cache failed", zap.Error(err))
		}
		snaps = cache
		logger.Info("snapshot cache enabled", zap.String("redis_addr", redisAddr))
	}

	adapter := persist.New(snaps, persist.WithLogger(logger))

	server := &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(buildMux(adapter), "quillsync"),
	}
	logger.Info("listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}

// buildMux registers the liveness endpoint and a read-only snapshot debug
// endpoint for operators. The collaboration engine itself calls the persist
// hooks directly, not over HTTP.
func buildMux(hooks persist.Hooks) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/snapshots/{doc}", func(w http.ResponseWriter, r *http.Request) {
		docID := r.PathValue("doc")
		data, found, err := hooks.OnFetch(r.Context(), docID)
		if err != nil {
			errclass.WriteHTTP(w, r, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"doc_id": docID,
			"bytes":  len(data),
			"state":  base64.StdEncoding.EncodeToString(data),
		})
	})
	return mux
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
