package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finbrief/news-pipeline/internal/correction"
	"github.com/finbrief/news-pipeline/internal/ingest"
	"github.com/finbrief/news-pipeline/internal/monitoring"
	"github.com/finbrief/news-pipeline/internal/store"
	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Exposes endpoints to trigger fetch, process, and recategorize cycles and to inspect pipeline status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		tax, err := loadTaxonomy()
		if err != nil {
			return err
		}

		srv := newTriggerServer(ctx, st, tax)

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, tax),
			monitoring.NewAlerter(monitoring.Thresholds{
				FailureRate: cfg.Monitoring.FailureRateThreshold,
				Drift:       cfg.Monitoring.DriftThreshold,
				WebhookURL:  cfg.Monitoring.WebhookURL,
			}),
			cfg.Monitoring.CheckInterval,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.routes(),
		}

		go shutdownOnSignal(ctx, httpSrv, 10*time.Second)

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// shutdownOnSignal waits for the signal context to cancel, then drains the
// server on a fresh timeout context. The cancelled signal context would
// abort in-flight requests instead of letting them finish.
func shutdownOnSignal(ctx context.Context, srv *http.Server, timeout time.Duration) {
	<-ctx.Done()
	zap.L().Info("shutting down server")

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		zap.L().Warn("server shutdown incomplete", zap.Error(err))
	}
}

// triggerServer runs pipeline cycles on demand. One cycle at a time; a
// trigger while busy is rejected with 409.
type triggerServer struct {
	ctx   context.Context
	store store.Store
	tax   taxonomy.Taxonomy
	busy  atomic.Bool
}

func newTriggerServer(ctx context.Context, st store.Store, tax taxonomy.Taxonomy) *triggerServer {
	return &triggerServer{ctx: ctx, store: st, tax: tax}
}

func (s *triggerServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := s.store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		raw, err := s.store.RawStatusCounts(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		categories, err := s.store.CategoryCounts(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"raw":        raw,
			"categories": categories,
			"busy":       s.busy.Load(),
		})
	})

	r.Post("/trigger/fetch", s.trigger("fetch", func(ctx context.Context) error {
		if _, err := runFetch(ctx, s.store); err != nil {
			return err
		}
		processor := ingest.NewProcessor(s.store, newEngine(s.tax), s.tax)
		_, err := processor.Drain(ctx, cfg.Fetch.ProcessingLimit)
		return err
	}))

	r.Post("/trigger/process", s.trigger("process", func(ctx context.Context) error {
		processor := ingest.NewProcessor(s.store, newEngine(s.tax), s.tax)
		_, err := processor.Drain(ctx, cfg.Fetch.ProcessingLimit)
		return err
	}))

	r.Post("/trigger/recategorize", s.trigger("recategorize", func(ctx context.Context) error {
		workflow := correction.New(s.store, newEngine(s.tax), s.tax)
		_, err := workflow.Run(ctx, 50)
		return err
	}))

	r.Post("/trigger/reset-failed", s.trigger("reset-failed", func(ctx context.Context) error {
		processor := ingest.NewProcessor(s.store, nil, s.tax)
		_, err := processor.ResetFailed(ctx, 100)
		return err
	}))

	return r
}

// trigger runs one named cycle asynchronously, holding the busy flag for
// its duration. The cycle runs on the server's root context, not the
// request's, so it survives the 202 response.
func (s *triggerServer) trigger(name string, run func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !s.busy.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a cycle is already running"})
			return
		}

		go func() {
			defer s.busy.Store(false)
			if err := run(s.ctx); err != nil {
				zap.L().Error("triggered cycle failed", zap.String("cycle", name), zap.Error(err))
				return
			}
			zap.L().Info("triggered cycle complete", zap.String("cycle", name))
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "cycle": name})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
