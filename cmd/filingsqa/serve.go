package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/assetmanager/filingsqa/pkg/config"
	"github.com/assetmanager/filingsqa/pkg/metrics"
	"github.com/assetmanager/filingsqa/pkg/mid"
	"github.com/assetmanager/filingsqa/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const serviceName = "filingsqa"

// maxAskBody bounds the POST /api/ask request body.
const maxAskBody = 64 << 10

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, when configured, the NATS responder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a.cfg, a.logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := wireServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(ctx))

	if err := svc.store.Ping(ctx); err != nil {
		logger.Warn("neo4j not reachable at startup", "err", err)
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		sub, err := natsutil.Respond(nc, cfg.NATS.Subject, cfg.NATS.Queue, natsAsk(svc.pipeline, cfg.NATS.RequestTimeout, logger), natsError(logger))
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", cfg.NATS.Subject, err)
		}
		defer sub.Unsubscribe()
		logger.Info("nats responder listening", "subject", cfg.NATS.Subject, "queue", cfg.NATS.Queue)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(svc.pipeline, svc.store, svc.registry, cfg.Server, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// pinger reports whether the graph database is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

func newHandler(p answerer, db pinger, g prometheus.Gatherer, sc config.ServerConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(db))
	mux.Handle("POST /api/ask", mid.RateLimit(mid.NewLimiter(sc.RateLimit, sc.RateBurst))(handleAsk(p, logger)))
	mux.Handle("GET /metrics", metrics.Handler(g))

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(sc.CORSOrigin),
		mid.OTel(serviceName),
	)
}

// AskRequest is the JSON body for POST /api/ask and the NATS request.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the successful reply.
type AskResponse struct {
	Context string `json:"context"`
	Result  string `json:"result"`
}

func handleHealth(db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "neo4j": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func handleAsk(p answerer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBody)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				mid.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
				return
			}
			mid.WriteError(w, http.StatusBadRequest, "invalid request body", "")
			return
		}

		res, err := p.Answer(r.Context(), req.Question)
		if err != nil {
			status, msg, kind := errorStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("ask failed", "kind", kind, "err", err)
			}
			mid.WriteError(w, status, msg, kind)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AskResponse{Context: res.Context, Result: res.Result})
	}
}

// errorStatus maps a pipeline error to an HTTP status, a client-facing
// message and the failing stage.
func errorStatus(err error) (int, string, string) {
	kind := domain.KindOf(err)
	switch {
	case errors.Is(err, domain.ErrEmbedding):
		return http.StatusBadGateway, "embedding model unavailable", kind
	case errors.Is(err, domain.ErrQuery):
		return http.StatusBadGateway, "graph query failed", kind
	case errors.Is(err, domain.ErrGeneration):
		return http.StatusBadGateway, "text generation failed", kind
	default:
		return http.StatusInternalServerError, "internal server error", kind
	}
}

// AskReply is the NATS reply. Context and Result are always present, as in
// AskResponse; Error and Kind are set only on failure.
type AskReply struct {
	Context string `json:"context"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// natsAsk answers one request. Subscription callbacks run one at a time, so
// timeout (0 disables it) keeps a hung upstream from stalling the subject.
func natsAsk(p answerer, timeout time.Duration, logger *slog.Logger) func(context.Context, AskRequest) AskReply {
	return func(ctx context.Context, req AskRequest) AskReply {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := p.Answer(ctx, req.Question)
		if err != nil {
			_, msg, kind := errorStatus(err)
			logger.Error("nats ask failed", "kind", kind, "err", err)
			return AskReply{Error: msg, Kind: kind}
		}
		return AskReply{Context: res.Context, Result: res.Result}
	}
}

// natsError builds the reply for undecodable requests and handler panics.
func natsError(logger *slog.Logger) func(error) AskReply {
	return func(err error) AskReply {
		if errors.Is(err, natsutil.ErrPanic) {
			logger.Error("nats ask panic recovered", "err", err)
			return AskReply{Error: "internal server error"}
		}
		return AskReply{Error: "invalid request body: " + err.Error()}
	}
}
