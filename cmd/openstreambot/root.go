package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"openstreambot/internal/config"
)

const defaultConfigFile = "config.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "openstreambot",
		Short: "Stream automation daemon",
		Long: `openstreambot reacts to Twitch, YouTube and OBS events with configurable
actions: chat replies, scene switches, sound effects, clips and a background
playlist. Subscribers follow the event bus over a websocket.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to config.yaml (default ./config.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "file with secrets as KEY=value lines")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level: error, warn, info, debug")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format: text, json")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewEmitCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig resolves the effective configuration: file (or defaults),
// then secrets from the environment, then flags the user actually set.
func loadConfig(opts *RootOptions, flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := readConfig(opts.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}

	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(nil)

	overridesFromFlags(opts, flags).Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func readConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadConfigFile(path)
	}
	cfg, err := config.LoadConfigFile(defaultConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

// overridesFromFlags maps changed flags onto config overrides. Flags that
// a command does not define are ignored.
func overridesFromFlags(opts *RootOptions, flags *pflag.FlagSet) config.FlagOverrides {
	var o config.FlagOverrides
	if flags == nil {
		return o
	}
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("log-level") {
		o.LogLevel = &opts.LogLevel
	}
	if changed("log-format") {
		o.LogFormat = &opts.LogFormat
	}
	if changed("host") {
		o.ServerHost = stringFlag(flags, "host")
	}
	if changed("port") {
		o.ServerPort = intFlag(flags, "port")
	}
	if changed("actions") {
		o.ActionsFile = stringFlag(flags, "actions")
	}
	if changed("ipc") {
		o.IPCEnabled = boolFlag(flags, "ipc")
	}
	if changed("ipc-socket") {
		o.IPCSocketPath = stringFlag(flags, "ipc-socket")
	}
	if changed("webhooks-port") {
		o.WebhooksPort = intFlag(flags, "webhooks-port")
	}
	if changed("obs") {
		o.OBSEnabled = boolFlag(flags, "obs")
	}
	if changed("twitch") {
		o.TwitchEnabled = boolFlag(flags, "twitch")
	}
	if changed("youtube") {
		o.YouTubeEnabled = boolFlag(flags, "youtube")
	}
	if changed("audio-device") {
		o.AudioDevice = stringFlag(flags, "audio-device")
	}
	return o
}

func stringFlag(flags *pflag.FlagSet, name string) *string {
	v, err := flags.GetString(name)
	if err != nil {
		return nil
	}
	return &v
}

func intFlag(flags *pflag.FlagSet, name string) *int {
	v, err := flags.GetInt(name)
	if err != nil {
		return nil
	}
	return &v
}

func boolFlag(flags *pflag.FlagSet, name string) *bool {
	v, err := flags.GetBool(name)
	if err != nil {
		return nil
	}
	return &v
}

// NewVersionCommand prints the version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "openstreambot v%s\n", version)
		},
	}
}
