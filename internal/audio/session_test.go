package audio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMixer struct {
	mu      sync.Mutex
	opens   []string
	closes  int
	broken  map[string]bool
	played  []string
	volumes []float64
}

func (m *fakeMixer) Open(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, device)
	if m.broken[device] {
		return errors.New("no such device")
	}
	return nil
}

func (m *fakeMixer) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *fakeMixer) Play(_ context.Context, path string, volume float64) (Playback, error) {
	m.mu.Lock()
	m.played = append(m.played, path)
	m.volumes = append(m.volumes, volume)
	m.mu.Unlock()
	return newFakePlayback(), nil
}

func (m *fakeMixer) snapshot() (opens []string, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.opens...), m.closes
}

type fakePlayback struct {
	once sync.Once
	done chan struct{}
}

func newFakePlayback() *fakePlayback { return &fakePlayback{done: make(chan struct{})} }

func (p *fakePlayback) SetVolume(float64) error { return nil }
func (p *fakePlayback) Stop() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
func (p *fakePlayback) Done() <-chan struct{} { return p.done }

func tempSound(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ding.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFF"), 0o644))
	return p
}

func TestEnsureDevice(t *testing.T) {
	ctx := context.Background()
	m := &fakeMixer{broken: map[string]bool{"Gone": true}}
	s := NewSession(slog.Default(), m, 2)

	require.NoError(t, s.EnsureDevice(ctx, ""))
	require.NoError(t, s.EnsureDevice(ctx, ""), "empty keeps current")
	opens, closes := m.snapshot()
	assert.Equal(t, []string{""}, opens)
	assert.Zero(t, closes)

	require.NoError(t, s.EnsureDevice(ctx, "Headphones"))
	require.NoError(t, s.EnsureDevice(ctx, "Headphones"), "same device is a no-op")
	assert.Equal(t, "Headphones", s.Device())
	opens, closes = m.snapshot()
	assert.Equal(t, []string{"", "Headphones"}, opens)
	assert.Equal(t, 1, closes)

	require.NoError(t, s.EnsureDevice(ctx, "Gone"))
	assert.Equal(t, "", s.Device(), "falls back to the default device")
	opens, _ = m.snapshot()
	assert.Equal(t, []string{"", "Headphones", "Gone", ""}, opens)
}

func TestPlayEffectMissingFile(t *testing.T) {
	s := NewSession(slog.Default(), &fakeMixer{}, 1)
	err := s.PlayEffect(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), "", 1)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestStopEffectsLeavesTracks(t *testing.T) {
	ctx := context.Background()
	m := &fakeMixer{}
	s := NewSession(slog.Default(), m, 2)
	path := tempSound(t)

	require.NoError(t, s.PlayEffect(ctx, path, "", 0.5))
	require.NoError(t, s.PlayEffect(ctx, path, "", 1.5))
	track, err := s.PlayTrack(ctx, path, "", 0.3)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.5, 1, 0.3}, m.volumes, "volumes are clamped")
	assert.Equal(t, 2, s.StopEffects())

	select {
	case <-track.Done():
		t.Fatalf("playlist track must keep playing")
	default:
	}

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.effects) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTracks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp3", "b.WAV", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.mp3"), 0o755))

	got, err := Tracks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.mp3"), filepath.Join(dir, "b.WAV")}, got)

	got, err = Tracks(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseDeviceList(t *testing.T) {
	out := []byte("0\talsa_output.pci.analog-stereo\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n\n1\tbluez_sink.headset\tmodule\n")
	assert.Equal(t, []string{"alsa_output.pci.analog-stereo", "bluez_sink.headset"}, parseDeviceList(out))
}
