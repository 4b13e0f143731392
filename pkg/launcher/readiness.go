package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// errExited is returned by waitReady when the child exits first.
var errExited = errors.New("child exited before becoming ready")

// checkReady checks readiness once: an HTTP 200 from ReadyURL, or an accepted
// TCP connection on Port.
func checkReady(ctx context.Context, client *http.Client, spec ChildSpec) error {
	if spec.ReadyURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.ReadyURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ready check returned %d", resp.StatusCode)
		}
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(spec.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// waitReady polls checkReady until it passes, the child exits, or timeout.
// Children with neither ReadyURL nor Port are ready immediately.
func waitReady(ctx context.Context, spec ChildSpec, exited <-chan struct{}, timeout time.Duration) error {
	if spec.ReadyURL == "" && spec.Port == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if ctx.Err() == nil {
			err := checkReady(ctx, client, spec)
			if err == nil {
				return nil
			}
			// A check cut short by the deadline says nothing about the child.
			if ctx.Err() == nil || lastErr == nil {
				lastErr = err
			}
		}
		select {
		case <-exited:
			return errExited
		case <-ctx.Done():
			return fmt.Errorf("not ready after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}
