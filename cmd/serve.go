package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/monitoring"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the offer orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", cfg.Server.RequestIDHeader},
	}))
	r.Use(requestIDMiddleware(cfg.Server.RequestIDHeader))

	r.Get("/health", handleHealth)
	r.Get("/stats", handleStats(env))
	r.Post("/member/offer", handleAssignOffer(env))
	return r
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestIDMiddleware reuses the caller's correlation id when present,
// generates one otherwise, and echoes it back on the response. Downstream
// code receives it as an explicit value, never via hidden globals.
func requestIDMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := r.Header.Get(header)
			if rid == "" {
				rid = uuid.New().String()
			}
			w.Header().Set(header, rid)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
		})
	}
}

func requestIDFrom(r *http.Request) string {
	if rid, ok := r.Context().Value(requestIDKey).(string); ok {
		return rid
	}
	return uuid.New().String()
}

// offerResponse is the caller-visible success payload.
type offerResponse struct {
	MemberID string `json:"memberId"`
	Offer    string `json:"offer"`
}

// upstreamErrorBody is the stable error category for failed dependencies:
// the caller's request was fine, an upstream was not.
type upstreamErrorBody struct {
	Service    string `json:"service,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

func handleAssignOffer(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := requestIDFrom(r)
		log := zap.L().With(zap.String("request_id", rid))

		var tx model.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := tx.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		log.Info("request received", zap.String("member_id", tx.MemberID))

		result, err := env.Orchestrator.AssignOffer(r.Context(), rid, tx)
		if err != nil {
			writeUpstreamFailure(w, log, tx.MemberID, err)
			return
		}

		log.Info("request completed",
			zap.String("member_id", tx.MemberID),
			zap.Int("history_len", result.HistoryLen),
			zap.String("offer", result.Decision.Offer),
		)
		writeJSON(w, http.StatusOK, offerResponse{MemberID: tx.MemberID, Offer: result.Decision.Offer})
	}
}

// writeUpstreamFailure maps core failures to one stable 502 category,
// preserving which service failed and its status for diagnostics without
// leaking retry internals.
func writeUpstreamFailure(w http.ResponseWriter, log *zap.Logger, memberID string, err error) {
	body := upstreamErrorBody{Message: "upstream dependency failed"}
	if ue, ok := resilience.AsUpstream(err); ok {
		body.Service = ue.Service
		body.StatusCode = ue.StatusCode
		body.Message = ue.Error()
	} else if resilience.IsMalformed(err) {
		body.Message = err.Error()
	}
	log.Warn("upstream failure",
		zap.String("member_id", memberID),
		zap.String("service", body.Service),
		zap.Int("status", body.StatusCode),
		zap.Error(err),
	)
	writeJSON(w, http.StatusBadGateway, map[string]upstreamErrorBody{"detail": body})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStats(env *appEnv) http.HandlerFunc {
	collector := monitoring.NewCollector(env.Decisions)
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context(), 24)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
