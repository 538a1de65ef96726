// Package ipc accepts events from local processes over a Unix domain socket
// and publishes them on the event bus.
//
// Protocol: line-delimited JSON.
//   - Client sends: {"type": "RewardRedeemed", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// Publisher receives every accepted event.
type Publisher interface {
	Broadcast(eventType string, data map[string]any)
}

// Request is one line sent by a client.
type Request struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Response is written back for every request line.
type Response struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // set when Status is "error"
}

// maxLine bounds a single request line.
const maxLine = 256 * 1024

type Server struct {
	socketPath string
	pub        Publisher
	logger     *slog.Logger
}

func NewServer(socketPath string, pub Publisher, logger *slog.Logger) *Server {
	return &Server{socketPath: socketPath, pub: pub, logger: logger}
}

// Run listens on the socket until ctx is canceled, then closes the listener
// and removes the socket file.
func (s *Server) Run(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)

	// Owner only; connections are additionally checked by peer uid where supported.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.logger.Info("IPC listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("IPC listener closed")
				return nil
			}
			s.logger.Error("IPC accept error", "error", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	if err := checkPeer(conn); err != nil {
		s.logger.Warn("IPC connection rejected", "error", err)
		return
	}
	s.logger.Debug("IPC connection")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := Response{Status: "ok"}
		if req, err := ParseRequest([]byte(line)); err != nil {
			resp = Response{Status: "error", Error: err.Error()}
		} else {
			s.logger.Debug("IPC event", "event", req.Type)
			s.pub.Broadcast(req.Type, req.Data)
		}

		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("IPC connection read error", "error", err)
	}
}

// ParseRequest decodes one request line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("parse event: %w", err)
	}
	if req.Type == "" {
		return Request{}, errors.New("parse event: missing type")
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	return req, nil
}
