package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// UpdateHandler processes one decoded update.
type UpdateHandler func(update tgbotapi.Update)

// NewRouter serves /healthz and /metrics, plus the webhook route when
// webhookPath is set. Updates are dispatched on their own goroutine so
// Telegram gets its 200 right away.
func NewRouter(deps BotDeps, webhookPath string, handle UpdateHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	if webhookPath != "" && handle != nil {
		r.Post(webhookPath, func(w http.ResponseWriter, req *http.Request) {
			var update tgbotapi.Update
			if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
				deps.Logger.Warn("Failed to decode webhook update", zap.Error(err))
				http.Error(w, "bad update", http.StatusBadRequest)
				return
			}
			go handle(update)
			w.WriteHeader(http.StatusOK)
		})
	}
	return r
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	return nil
}
