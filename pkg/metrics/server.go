package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/pkg/errors"
)

// Server exposes the metrics endpoint until its context ends.
type Server struct {
	log  logging.Logger
	addr string
}

func NewServer(log logging.Logger, addr string) *Server {
	return &Server{log: log, addr: addr}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errs := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("serving metrics")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
