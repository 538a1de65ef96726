// Package webhooks receives events from external services over HTTP.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"openstreambot/internal/ipc"
)

// EventPath accepts {"type": ..., "data": {...}}, the same envelope as the IPC socket.
const EventPath = "/webhooks/event"

const maxBody = 256 * 1024

type Server struct {
	port   int
	pub    ipc.Publisher
	logger *slog.Logger
}

func NewServer(port int, pub ipc.Publisher, logger *slog.Logger) *Server {
	return &Server{port: port, pub: pub, logger: logger}
}

// Handler returns the webhooks routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+EventPath, s.handleEvent)
	return mux
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeResponse(w, http.StatusRequestEntityTooLarge, ipc.Response{Status: "error", Error: "body too large"})
		return
	}
	req, err := ipc.ParseRequest(body)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, ipc.Response{Status: "error", Error: err.Error()})
		return
	}

	s.logger.Debug("webhook event", "event", req.Type, "remote_addr", r.RemoteAddr)
	s.pub.Broadcast(req.Type, req.Data)
	writeResponse(w, http.StatusAccepted, ipc.Response{Status: "ok"})
}

func writeResponse(w http.ResponseWriter, code int, resp ipc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Run serves on the configured port and shuts down gracefully when ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("webhooks server listening", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhooks server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhooks server shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
