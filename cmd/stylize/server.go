// cmd/stylize/server.go
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/monitoring"
	"github.com/lumix-ai/stylize/internal/progress"
)

// statusServer - serves /metrics, the /ws event stream and /healthz while a
// run is in progress
type statusServer struct {
	srv *http.Server
}

func newStatusMux(metrics *monitoring.Metrics, hub *progress.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func startStatusServer(addr string, metrics *monitoring.Metrics, hub *progress.Hub) (*statusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &statusServer{
		srv: &http.Server{
			Handler:           newStatusMux(metrics, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	return s, nil
}

func (s *statusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
