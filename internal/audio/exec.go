package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ExecConfig describes the external commands ExecMixer runs.
type ExecConfig struct {
	// PlayerCommand plays one file and exits when playback ends.
	// "{file}" and "{volume}" (integer percent) are substituted per argument.
	PlayerCommand []string

	// DeviceEnv is set to the device name in the player's environment
	// (PULSE_SINK for PulseAudio/PipeWire). Empty disables device selection.
	DeviceEnv string

	// DevicesCommand prints one device per line; the second whitespace
	// separated column is the name when there is more than one. Empty
	// disables the check in Open.
	DevicesCommand []string

	// InputsCommand lists the playing streams in `pactl list sink-inputs`
	// format ("{pid}" is substituted). It is used to find the stream a
	// player process owns; when empty, VolumeCommand gets the process id
	// as "{input}".
	InputsCommand []string

	// VolumeCommand changes the volume of a running stream. "{input}",
	// "{pid}" and "{volume}" (integer percent) are substituted. Empty
	// disables live volume changes.
	VolumeCommand []string
}

// DefaultExecConfig uses ffplay with PulseAudio sink selection.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		PlayerCommand:  []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-volume", "{volume}", "{file}"},
		DeviceEnv:      "PULSE_SINK",
		DevicesCommand: []string{"pactl", "list", "short", "sinks"},
		InputsCommand:  []string{"pactl", "list", "sink-inputs"},
		VolumeCommand:  []string{"pactl", "set-sink-input-volume", "{input}", "{volume}%"},
	}
}

// ExecMixer plays sounds by spawning a player process per sound.
type ExecMixer struct {
	cfg ExecConfig

	mu     sync.Mutex
	device string
}

func NewExecMixer(cfg ExecConfig) *ExecMixer {
	if len(cfg.PlayerCommand) == 0 {
		cfg.PlayerCommand = DefaultExecConfig().PlayerCommand
	}
	return &ExecMixer{cfg: cfg}
}

// Open selects device for subsequent Play calls, verifying it against the
// device list when a list command is configured.
func (m *ExecMixer) Open(device string) error {
	if device != "" && len(m.cfg.DevicesCommand) > 0 {
		devices, err := m.Devices(context.Background())
		if err != nil {
			return err
		}
		found := false
		for _, d := range devices {
			if d == device {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("device %q not found", device)
		}
	}
	m.mu.Lock()
	m.device = device
	m.mu.Unlock()
	return nil
}

func (m *ExecMixer) Close() error {
	m.mu.Lock()
	m.device = ""
	m.mu.Unlock()
	return nil
}

// Devices lists the output devices reported by DevicesCommand.
func (m *ExecMixer) Devices(ctx context.Context) ([]string, error) {
	if len(m.cfg.DevicesCommand) == 0 {
		return nil, errors.New("no device list command configured")
	}
	out, err := exec.CommandContext(ctx, m.cfg.DevicesCommand[0], m.cfg.DevicesCommand[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return parseDeviceList(out), nil
}

func parseDeviceList(out []byte) []string {
	var devices []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			devices = append(devices, fields[0])
		default:
			devices = append(devices, fields[1])
		}
	}
	return devices
}

func (m *ExecMixer) Play(ctx context.Context, path string, volume float64) (Playback, error) {
	pct := strconv.Itoa(int(Clamp(volume)*100 + 0.5))
	args := make([]string, len(m.cfg.PlayerCommand))
	for i, a := range m.cfg.PlayerCommand {
		a = strings.ReplaceAll(a, "{file}", path)
		args[i] = strings.ReplaceAll(a, "{volume}", pct)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	m.mu.Lock()
	device := m.device
	m.mu.Unlock()
	if device != "" && m.cfg.DeviceEnv != "" {
		cmd.Env = append(os.Environ(), m.cfg.DeviceEnv+"="+device)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pb := &execPlayback{mixer: m, cmd: cmd, base: Clamp(volume), done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(pb.done)
	}()
	return pb, nil
}

type execPlayback struct {
	mixer *ExecMixer
	cmd   *exec.Cmd
	// base is the volume the player was started with. Live changes are
	// applied to the stream relative to it.
	base float64
	done chan struct{}
	once sync.Once
}

// SetVolume changes the running player's stream volume through
// VolumeCommand.
func (p *execPlayback) SetVolume(v float64) error {
	cfg := p.mixer.cfg
	if len(cfg.VolumeCommand) == 0 {
		return errors.ErrUnsupported
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := strconv.Itoa(p.cmd.Process.Pid)
	input := pid
	if len(cfg.InputsCommand) > 0 {
		list := substitute(cfg.InputsCommand, strings.NewReplacer("{pid}", pid))
		out, err := exec.Command(list[0], list[1:]...).Output()
		if err != nil {
			return fmt.Errorf("list streams: %w", err)
		}
		id, ok := findStream(out, pid)
		if !ok {
			return fmt.Errorf("no stream for player pid %s", pid)
		}
		input = id
	}

	args := substitute(cfg.VolumeCommand, strings.NewReplacer(
		"{input}", input, "{pid}", pid, "{volume}", strconv.Itoa(streamPercent(p.base, v))))
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("set stream volume: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func substitute(argv []string, r *strings.Replacer) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// streamPercent is the stream volume that turns a player started at base
// into an effective volume of v.
func streamPercent(base, v float64) int {
	v = Clamp(v)
	if base <= 0 {
		return int(v*100 + 0.5)
	}
	return int(v/base*100 + 0.5)
}

// findStream returns the index of the sink input owned by pid in
// `pactl list sink-inputs` output.
func findStream(out []byte, pid string) (string, bool) {
	const header = "Sink Input #"
	want := `application.process.id = "` + pid + `"`
	current := ""
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, header):
			current = strings.TrimPrefix(line, header)
		case line == want && current != "":
			return current, true
		}
	}
	return "", false
}

func (p *execPlayback) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

func (p *execPlayback) Done() <-chan struct{} { return p.done }
