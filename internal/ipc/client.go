package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Send delivers one event to the daemon listening on socketPath and waits
// for its response.
func Send(ctx context.Context, socketPath, eventType string, data map[string]any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	line, err := json.Marshal(Request{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
