package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/proliferate-ai/proliferate-sub003/httpapi"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// escapeByte detaches the local terminal (Ctrl-]).
const escapeByte = 0x1d

func newAttachCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach a sandbox session and bridge the local terminal",
		Long: `Attach a sandbox session on a running prolifsync server and bridge
the local terminal to it over the HTTP API. Press Ctrl-] to detach the
local terminal; the server keeps the session attached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			return runAttach(cmd.Context(), client, schema.SessionID(args[0]))
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "prolifsync HTTP API base URL")
	return cmd
}

const defaultServerURL = "http://127.0.0.1:27480"

func (c *apiClient) attach(ctx context.Context, sessionID schema.SessionID) error {
	return c.postJSON(ctx, "/api/session", map[string]any{"session_id": string(sessionID)})
}

func (c *apiClient) sendInput(ctx context.Context, data []byte) error {
	return c.postJSON(ctx, "/api/terminal/input", map[string]any{"data": string(data)})
}

func (c *apiClient) resize(ctx context.Context, cols, rows int) error {
	return c.postJSON(ctx, "/api/terminal/resize", map[string]any{"cols": cols, "rows": rows})
}

func (c *apiClient) paintBuffer(ctx context.Context, out io.Writer) error {
	var payload struct {
		Lines []string `json:"lines"`
	}
	if err := c.getJSON(ctx, "/api/terminal/buffer", &payload); err != nil {
		return err
	}
	if len(payload.Lines) == 0 {
		return nil
	}
	_, err := io.WriteString(out, strings.Join(payload.Lines, "\r\n")+"\r\n")
	return err
}

func runAttach(ctx context.Context, client *apiClient, sessionID schema.SessionID) error {
	logger := pslog.Ctx(ctx)
	if err := client.attach(ctx, sessionID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdinFd, oldState) }()
	}

	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		if err := client.resize(ctx, cols, rows); err != nil {
			logger.Debug("terminal resize dropped", "err", err)
		}
	}
	if err := client.paintBuffer(ctx, os.Stdout); err != nil {
		logger.Debug("terminal buffer paint failed", "err", err)
	}

	winCh := make(chan os.Signal, 1)
	signal.Notify(winCh, syscall.SIGWINCH)
	defer signal.Stop(winCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winCh:
				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					if err := client.resize(ctx, cols, rows); err != nil {
						logger.Debug("terminal resize dropped", "err", err)
					}
				}
			}
		}
	}()

	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data, detach := cutEscape(buf[:n])
				if len(data) > 0 {
					if err := client.sendInput(ctx, data); err != nil {
						logger.Debug("terminal input dropped", "err", err)
					}
				}
				if detach {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	err := client.streamOutput(ctx, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// streamOutput follows the server event stream and writes terminal
// output to out until the session is disposed or ctx ends.
func (c *apiClient) streamOutput(ctx context.Context, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}
	return readStreamEvents(resp.Body, func(ev httpapi.StreamEvent) (bool, error) {
		return handleStreamEvent(ev, out)
	})
}

// readStreamEvents parses server-sent events and feeds each decoded
// payload to fn until fn reports done, the stream ends, or a payload
// fails to decode.
func readStreamEvents(r io.Reader, fn func(httpapi.StreamEvent) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) == 0 {
				continue
			}
			var ev httpapi.StreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			data = data[:0]
			done, err := fn(ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, rest...)
		}
	}
	return scanner.Err()
}

// handleStreamEvent writes terminal output events to out and reports
// done once the terminal is disposed.
func handleStreamEvent(ev httpapi.StreamEvent, out io.Writer) (bool, error) {
	switch ev.Type {
	case "terminal_output":
		if ev.Output != nil && len(ev.Output.Data) > 0 {
			if _, err := out.Write(ev.Output.Data); err != nil {
				return false, err
			}
		}
	case "terminal_status":
		if ev.Terminal != nil && ev.Terminal.Status == schema.TerminalDisposed {
			return true, nil
		}
	}
	return false, nil
}

// cutEscape strips the detach escape byte from input and reports
// whether it was seen. Bytes after the escape are discarded.
func cutEscape(data []byte) ([]byte, bool) {
	if i := bytes.IndexByte(data, escapeByte); i >= 0 {
		return data[:i], true
	}
	return data, false
}
