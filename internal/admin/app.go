// Package admin exposes the guard's operator endpoints over HTTP.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/budget"
	"github.com/jdziat/pipeline-guard/pkg/catchup"
	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/dlq"
	"github.com/jdziat/pipeline-guard/pkg/storage"
)

// Store is the read side the admin endpoints query. storage.GormStorage
// implements it.
type Store interface {
	ListDeadLetters(ctx context.Context, statuses []core.DeadLetterStatus, limit int) ([]core.DeadLetter, error)
	CountDeadLetters(ctx context.Context) ([]storage.DeadLetterCount, error)
	ListAlerts(ctx context.Context, f storage.AlertFilter) ([]core.Alert, error)
}

// App holds the components the handlers act on.
type App struct {
	Governor  *budget.Governor
	Scheduler *catchup.Service
	Healer    *dlq.Healer
	Store     Store
	Logger    *slog.Logger
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}
