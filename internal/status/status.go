// Package status periodically writes a small JSON file describing which
// integrations are up, for launchers and dashboards that cannot reach the bus.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const Offline = "Offline"

// StateFunc reports one component's state, e.g. "Online" or "Offline".
type StateFunc func() string

type Reporter struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]StateFunc
}

func NewReporter(path string, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		path:     path,
		interval: interval,
		logger:   logger,
		states:   make(map[string]StateFunc),
	}
}

// Add registers a component. Components registered with a nil StateFunc are
// always reported Offline.
func (r *Reporter) Add(name string, p StateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[name] = p
}

// Snapshot evaluates every component.
func (r *Reporter) Snapshot() map[string]any {
	r.mu.Lock()
	states := maps.Clone(r.states)
	r.mu.Unlock()

	out := make(map[string]any, len(states)+1)
	for name, p := range states {
		if p == nil {
			out[name] = Offline
			continue
		}
		out[name] = p()
	}
	out["pid"] = os.Getpid()
	return out
}

// Run rewrites the file every interval until ctx is canceled, then writes
// a final all-Offline snapshot.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.write(r.Snapshot())
	for {
		select {
		case <-ctx.Done():
			r.write(r.offline())
			return nil
		case <-t.C:
			r.write(r.Snapshot())
		}
	}
}

func (r *Reporter) offline() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.states)+1)
	for name := range r.states {
		out[name] = Offline
	}
	out["pid"] = os.Getpid()
	return out
}

func (r *Reporter) write(snap map[string]any) {
	if err := writeJSON(r.path, snap); err != nil {
		r.logger.Debug("status file write failed", "path", r.path, "error", err)
	}
}

func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
