package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mowerlink/internal/audit"
	"mowerlink/internal/auth"
	commandshttp "mowerlink/internal/commands/interfaces/http"
	"mowerlink/internal/observability/metrics"
	telemetryhttp "mowerlink/internal/telemetry/interfaces/http"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP command API and the dispatch worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	db, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	metrics.Init(db, logger)
	var auditLogger audit.Logger = audit.NewLogWriter(logger)
	if db != nil {
		auditLogger = audit.NewRepository(db)
	}

	rt, err := buildRuntime(cfg, logger, newHistoryRepo(cfg, db))
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := rt.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("dispatcher stopped: %v", err)
		}
	}()

	commandHandler, err := commandshttp.NewHandler(rt.service, rt.history, cfg.Device.IMEI, auditLogger)
	if err != nil {
		return err
	}
	stateHandler, err := telemetryhttp.NewStateHandler(rt.tracker, cfg.Device.IMEI)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", commandHandler)
	mux.Handle("/api/v1/device/state", stateHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.Server.JWTSecret != "" {
		policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
		handler = auth.NewMiddleware([]byte(cfg.Server.JWTSecret), policy, cfg.Device.IMEI).Wrap(mux)
	} else {
		logger.Printf("auth disabled: AUTH_JWT_SECRET not set")
	}

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           loggingMiddleware(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s device=%s", cfg.Server.HTTPAddr, cfg.Device.IMEI)
	err = server.ListenAndServe()
	stop()
	<-workerDone
	rt.flush()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
