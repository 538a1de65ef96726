package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// NewListenCommand creates the listen command: a bus subscriber that prints
// every event, useful when writing actions.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		wsURL string
		send  string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events from the running daemon's bus",
		Long: `Connect to the event bus as a subscriber and print each event as JSON.

--send delivers one control message first, for example
  openstreambot listen --send '{"action":"set_volume","bus":"playlist","value":30}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("url") {
				cfg, err := readConfig(rootOpts.ConfigFile)
				if err != nil {
					return err
				}
				wsURL = (&url.URL{Scheme: "ws", Host: cfg.Server.Addr(), Path: cfg.Server.Path}).String()
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runListen(ctx, wsURL, send, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&wsURL, "url", "", "bus websocket URL (default from config)")
	cmd.Flags().StringVar(&send, "send", "", "JSON control message to send after connecting")

	return cmd
}

func runListen(ctx context.Context, wsURL, send string, out io.Writer) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	if send != "" {
		if !json.Valid([]byte(send)) {
			return fmt.Errorf("--send must be valid JSON")
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(send)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		printFrame(out, msg)
	}
}

// printFrame writes one frame as indented JSON, or verbatim when it is not JSON.
func printFrame(out io.Writer, msg []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, msg, "", "  "); err != nil {
		fmt.Fprintf(out, "%s\n", msg)
		return
	}
	fmt.Fprintf(out, "%s\n", buf.Bytes())
}
