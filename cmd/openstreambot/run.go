package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"openstreambot/internal/audio"
	"openstreambot/internal/bus"
	"openstreambot/internal/config"
	"openstreambot/internal/engine"
	"openstreambot/internal/ipc"
	"openstreambot/internal/matcher"
	"openstreambot/internal/obs"
	"openstreambot/internal/rules"
	"openstreambot/internal/status"
	"openstreambot/internal/twitch"
	"openstreambot/internal/webhooks"
	"openstreambot/internal/youtube"
)

const shutdownTimeout = 3 * time.Second

// NewRunCommand creates the daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		Long: `Start the event bus, the action engine and every enabled integration.

Events arrive from bus subscribers, the IPC socket, the webhooks listener and
OBS. Secrets are read from the environment (TWITCH_ACCESS_TOKEN,
YOUTUBE_ACCESS_TOKEN, OBS_PASSWORD) or the --env-file.

Example:
  openstreambot run --config ./config.yaml
  openstreambot run --obs --twitch --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts, cmd.Flags())
			if err != nil {
				return err
			}
			level, err := parseLogLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			logger := setupLogger(level, cfg.Logging.Format, os.Stdout)

			parentCtx := cmd.Context()
			if parentCtx == nil {
				parentCtx = context.Background()
			}
			ctx, cancel := context.WithCancel(parentCtx)
			defer cancel()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigc)
			go func() {
				select {
				case sig := <-sigc:
					logger.Info("shutting down", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			return runDaemon(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("host", "", "bus listen host")
	cmd.Flags().Int("port", 0, "bus listen port")
	cmd.Flags().StringP("actions", "a", "", "actions file")
	cmd.Flags().Bool("ipc", true, "enable the IPC socket")
	cmd.Flags().String("ipc-socket", "", "IPC socket path")
	cmd.Flags().Int("webhooks-port", 0, "webhooks listener port (0 disables)")
	cmd.Flags().Bool("obs", false, "connect to OBS")
	cmd.Flags().Bool("twitch", false, "enable the Twitch integration")
	cmd.Flags().Bool("youtube", false, "enable the YouTube integration")
	cmd.Flags().String("audio-device", "", "audio output device")

	return cmd
}

// runDaemon wires every component and blocks until ctx is canceled or a
// component fails.
func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Debug("starting openstreambot", "version", version)

	store := rules.NewStore(config.ExpandPath(cfg.Actions.File), config.ExpandPath(cfg.Actions.Example))
	b := bus.New(logger, bus.HubConfig{})

	mixer := audio.NewExecMixer(audio.ExecConfig{
		PlayerCommand:  cfg.Audio.Player,
		DeviceEnv:      cfg.Audio.DeviceEnv,
		DevicesCommand: cfg.Audio.DevicesCommand,
		InputsCommand:  cfg.Audio.InputsCommand,
		VolumeCommand:  cfg.Audio.VolumeCommand,
	})
	player := audio.NewSession(logger, mixer, cfg.Audio.Workers)
	defer player.Close()
	if cfg.Audio.Device != "" {
		if err := player.EnsureDevice(ctx, cfg.Audio.Device); err != nil {
			logger.Warn("audio device unavailable, using default", "device", cfg.Audio.Device, "error", err)
		}
	}

	var collab engine.Collaborators
	reporter := status.NewReporter(config.ExpandPath(cfg.Status.File), cfg.StatusInterval(), logger)

	var obsClient *obs.Client
	if cfg.OBS.Enabled {
		obsClient = obs.NewClient(cfg.OBS.URL(), cfg.OBS.Password, cfg.OBSReconnect(), logger, func(scene string) {
			b.Broadcast(matcher.EventSceneChanged, map[string]any{"scene_name": scene})
		})
		collab.Scenes = obsClient
		b.AddInboundHandler(obsClient.SceneListHandler(b))
		reporter.Add("obs", onlineState(obsClient.Connected))
	} else {
		reporter.Add("obs", nil)
	}

	if cfg.Twitch.Enabled {
		tw := twitch.New(twitch.Config{
			BaseURL:       cfg.Twitch.APIURL,
			ClientID:      cfg.Twitch.ClientID,
			AccessToken:   cfg.Twitch.AccessToken,
			BroadcasterID: cfg.Twitch.BroadcasterID,
			SenderID:      cfg.Twitch.SenderID,
			ClipsTTL:      cfg.ClipsRefresh(),
		}, logger)
		collab.TwitchChat = tw
		collab.Games = tw
		collab.Points = tw
		collab.Clips = tw
		b.AddInboundHandler(tw.BadgeHandler(b))
		logger.Info("twitch enabled", "channel", cfg.Twitch.Channel, "broadcaster_id", cfg.Twitch.BroadcasterID)
		reporter.Add("twitch", onlineState(tw.Healthy))
	} else {
		reporter.Add("twitch", nil)
	}

	if cfg.YouTube.Enabled {
		yt := youtube.NewSender(youtube.Config{
			BaseURL:     cfg.YouTube.APIURL,
			AccessToken: cfg.YouTube.AccessToken,
			LiveChatID:  cfg.YouTube.LiveChatID,
		}, logger)
		collab.YouTubeChat = yt
		reporter.Add("youtube", onlineState(yt.Healthy))
	} else {
		reporter.Add("youtube", nil)
	}

	eng := engine.New(logger, store, b, player, collab, engine.Options{
		EffectsVolume:  float64(cfg.Audio.EffectsVolume) / 100,
		PlaylistVolume: float64(cfg.Audio.PlaylistVolume) / 100,
	})
	b.AddListener(eng.Listener())
	b.AddInboundHandler(eng.InboundHandler())

	mux := http.NewServeMux()
	b.Register(mux, cfg.Server.Path)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("bus listening", "addr", srv.Addr, "path", cfg.Server.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.IPC.Enabled {
		ipcSrv := ipc.NewServer(cfg.IPC.SocketPath, b, logger)
		g.Go(func() error { return ipcSrv.Run(gctx) })
	}
	if cfg.Webhooks.Port > 0 {
		hooks := webhooks.NewServer(cfg.Webhooks.Port, b, logger)
		g.Go(func() error { return hooks.Run(gctx) })
	}
	if obsClient != nil {
		g.Go(func() error { return obsClient.Run(gctx) })
	}
	if cfg.Status.File != "" {
		g.Go(func() error { return reporter.Run(gctx) })
	}

	err := g.Wait()
	logger.Info("stopped")
	return err
}

func onlineState(up func() bool) status.StateFunc {
	return func() string {
		if up() {
			return "Online"
		}
		return status.Offline
	}
}
