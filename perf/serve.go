package perf

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/encodeous/metric"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router serves /metrics, the metric history and the pprof/expvar debug handlers. routes may
// add more endpoints.
func Router(routes ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", Mesh.Handler())
	r.Handle("/metrics/history", metric.Handler(metric.Exposed))
	r.Mount("/debug", middleware.Profiler())
	for _, fn := range routes {
		fn(r)
	}
	return r
}

// Serve exposes Router on bind until ctx is done.
func Serve(ctx context.Context, bind string, log *slog.Logger, routes ...func(chi.Router)) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Router(routes...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "bind", ln.Addr().String())
	return nil
}
