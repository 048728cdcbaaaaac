package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Frame is one server-sent event read from a board stream.
type Frame struct {
	Event string
	Data  []byte
}

// Listen opens the SSE stream at url and calls handle for every frame until
// the stream ends, ctx is cancelled or handle returns an error. Keepalive
// comments are skipped.
func Listen(ctx context.Context, hc *http.Client, url, bearer string, handle func(Frame) error) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				f := Frame{Event: event, Data: []byte(strings.Join(data, "\n"))}
				if f.Event == "" {
					f.Event = "message"
				}
				if err := handle(f); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
