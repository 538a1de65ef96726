// Package audio owns the output device and every sound the daemon plays.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrFileNotFound is returned when a sound file does not exist.
var ErrFileNotFound = errors.New("audio file not found")

// Mixer is the audio backend. Open("") selects the system default device.
type Mixer interface {
	Open(device string) error
	Close() error
	Play(ctx context.Context, path string, volume float64) (Playback, error)
}

// Playback is one sound started by a Mixer.
type Playback interface {
	// SetVolume changes the volume of a running sound, in [0,1].
	SetVolume(v float64) error
	Stop() error
	// Done is closed when the sound ends or is stopped.
	Done() <-chan struct{}
}

// Session serializes device changes and bounds concurrent mixer calls.
//
// Device identity is guarded by mu rather than owned by the engine loop:
// playback requests arrive from pipeline goroutines and EnsureDevice must
// complete before the mixer call that depends on it.
type Session struct {
	logger *slog.Logger
	mixer  Mixer
	pool   *semaphore.Weighted

	mu      sync.Mutex
	open    bool
	device  string
	effects map[Playback]struct{}
}

// NewSession returns a session that runs at most workers blocking mixer
// calls at once (default 4).
func NewSession(logger *slog.Logger, mixer Mixer, workers int) *Session {
	if workers <= 0 {
		workers = 4
	}
	return &Session{
		logger:  logger,
		mixer:   mixer,
		pool:    semaphore.NewWeighted(int64(workers)),
		effects: make(map[Playback]struct{}),
	}
}

// Device returns the active device name ("" is the system default).
func (s *Session) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// EnsureDevice makes name the active output device.
//
// An empty name keeps the current device, opening the default when nothing
// is open yet. Requesting the active device is a no-op. If the requested
// device fails to open, the system default is used instead.
func (s *Session) EnsureDevice(ctx context.Context, name string) error {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.pool.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open && (name == "" || name == s.device) {
		return nil
	}
	if s.open {
		if err := s.mixer.Close(); err != nil {
			s.logger.Warn("audio device close failed", "device", s.device, "error", err)
		}
		s.open = false
	}

	if err := s.mixer.Open(name); err != nil {
		if name == "" {
			return fmt.Errorf("open default audio device: %w", err)
		}
		s.logger.Warn("audio device unavailable, falling back to default", "device", name, "error", err)
		if err := s.mixer.Open(""); err != nil {
			return fmt.Errorf("open default audio device: %w", err)
		}
		name = ""
	}

	s.open = true
	s.device = name
	s.logger.Info("audio device active", "device", deviceLabel(name))
	return nil
}

func deviceLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// PlayEffect starts a sound effect and returns once it is playing.
// Effects are tracked until they finish so StopEffects can reach them.
func (s *Session) PlayEffect(ctx context.Context, path, device string, volume float64) error {
	pb, err := s.start(ctx, path, device, volume)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.effects[pb] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-pb.Done()
		s.mu.Lock()
		delete(s.effects, pb)
		s.mu.Unlock()
	}()
	return nil
}

// PlayTrack starts an untracked sound, used for playlist tracks whose
// lifetime the caller manages.
func (s *Session) PlayTrack(ctx context.Context, path, device string, volume float64) (Playback, error) {
	return s.start(ctx, path, device, volume)
}

func (s *Session) start(ctx context.Context, path, device string, volume float64) (Playback, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, err
	}
	if err := s.EnsureDevice(ctx, device); err != nil {
		return nil, err
	}

	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.pool.Release(1)

	pb, err := s.mixer.Play(ctx, path, Clamp(volume))
	if err != nil {
		return nil, fmt.Errorf("play %s: %w", path, err)
	}
	return pb, nil
}

// StopEffects stops every running effect. Playlist tracks are not affected.
func (s *Session) StopEffects() int {
	s.mu.Lock()
	running := make([]Playback, 0, len(s.effects))
	for pb := range s.effects {
		running = append(running, pb)
	}
	s.mu.Unlock()

	for _, pb := range running {
		if err := pb.Stop(); err != nil {
			s.logger.Warn("audio stop failed", "error", err)
		}
	}
	return len(running)
}

// Close stops all effects and releases the device.
func (s *Session) Close() error {
	s.StopEffects()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return s.mixer.Close()
}

// Clamp limits v to [0,1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
