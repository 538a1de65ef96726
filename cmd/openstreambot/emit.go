package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"openstreambot/internal/ipc"
)

// NewEmitCommand creates the emit command, which publishes one event to a
// running daemon over the IPC socket.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		socket  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "emit <event-type> [json-data]",
		Short: "Publish an event to the running daemon",
		Long: `Send one event to the daemon's IPC socket. The daemon broadcasts it on the
bus, where actions and subscribers see it like any other event.

Example:
  openstreambot emit TwitchChatMessage '{"user":"bob","message":"!hello"}'
  openstreambot emit TwitchRaid '{"user":"alice","viewers":12}'`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseEventData(args[1:])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("socket") {
				cfg, err := readConfig(rootOpts.ConfigFile)
				if err != nil {
					return err
				}
				socket = cfg.IPC.SocketPath
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			if err := ipc.Send(ctx, socket, args[0], data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "IPC socket path (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "time to wait for the daemon")

	return cmd
}

func parseEventData(args []string) (map[string]any, error) {
	data := map[string]any{}
	if len(args) == 0 || args[0] == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(args[0]), &data); err != nil {
		return nil, fmt.Errorf("event data must be a JSON object: %w", err)
	}
	return data, nil
}
