package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cocoon-run/cocoon/executor"
	"github.com/cocoon-run/cocoon/extension"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/internal/config"
	"github.com/cocoon-run/cocoon/internal/logging"
	"github.com/cocoon-run/cocoon/internal/monitoring"
	"github.com/cocoon-run/cocoon/value"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution service",
	Long: `Start an HTTP server that executes handlers on request.

Endpoints:
  POST /execute   Execute a handler to completion, driving suspensions
                  through the configured extension providers
  GET  /stats     Engine statistics (pool, cache, runtime counters)
  GET  /metrics   Prometheus metrics
  GET  /health    Health check

Engine sizing and limits come from COCOON_* environment variables; the
request may lower its own timeout but shares everything else.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from COCOON_ADDR)")
	addProviderFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// executeRequest is the POST /execute body. State, args, and scope are
// plain JSON; grants default to everything the registered providers can
// honor.
type executeRequest struct {
	Code    string                 `json:"code"`
	PanelID string                 `json:"panel_id,omitempty"`
	Handler string                 `json:"handler,omitempty"`
	State   map[string]value.Value `json:"state,omitempty"`
	Args    map[string]value.Value `json:"args,omitempty"`
	Scope   map[string]value.Value `json:"scope,omitempty"`
	Grants  []string               `json:"grants,omitempty"`
	Timeout string                 `json:"timeout,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newServeMux builds the HTTP surface. Split out of runServe so tests
// can exercise the handlers without binding a socket.
func newServeMux(eng *executor.Engine, reg *extension.Registry, metrics *monitoring.Metrics, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
			return
		}
		if req.Code == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code required"})
			return
		}

		if req.PanelID == "" {
			req.PanelID = "api"
		}
		if req.Handler == "" {
			req.Handler = "main"
		}
		ectx := &handler.Context{
			PanelID:     req.PanelID,
			HandlerName: req.Handler,
			State:       req.State,
			Args:        req.Args,
			Scope:       req.Scope,
			Grants:      req.Grants,
			Extensions:  reg.Declarations(),
		}
		if len(ectx.Grants) == 0 {
			ectx.Grants = defaultGrants(reg)
		}

		var opts []executor.Option
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid timeout: " + err.Error()})
				return
			}
			opts = append(opts, executor.WithTimeout(d))
		}

		steps, err := extension.Drive(r.Context(), eng, req.Code, ectx, reg, opts...)
		if err != nil {
			if errors.Is(err, executor.ErrEngineClosed) {
				writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
				return
			}
			logger.Error("execution failed", zap.Error(err), zap.String("panel", req.PanelID))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, summarize(steps))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, eng.Stats())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := buildRegistry(cmd)
	if err != nil {
		return err
	}

	metrics := monitoring.New()
	eng, err := executorNew(cfg.Engine,
		executor.WithLogger(logger),
		executor.WithMetrics(metrics))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: newServeMux(eng, reg, metrics, logger),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cocoon server listening",
			zap.String("addr", addr),
			zap.Strings("extensions", reg.List()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		eng.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}
