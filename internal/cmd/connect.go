package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coder1/vibeterm/internal/models"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "🔌 Attach a terminal to a running server",
	Long: `# 🔌 Vibeterm Connect

Opens a raw terminal attached to a new PTY session on a running server.
Exit the shell (or press Ctrl-D) to disconnect.

## Examples

` + "```bash" + `
vibeterm connect
vibeterm connect --addr 127.0.0.1:8080 --cwd ~/projects/demo
` + "```",
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().String("addr", "127.0.0.1:3789", "Server address")
	connectCmd.Flags().String("cwd", "", "Working directory for the session")
}

// clientConn serializes frame writes to the server connection. Gorilla
// connections allow only one concurrent writer, and the stdin pump and the
// resize goroutine both send. The session id crosses goroutines too, so it
// lives behind the same mutex.
type clientConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (c *clientConn) send(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *clientConn) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *clientConn) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func runConnect(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	cwd, _ := cmd.Flags().GetString("cwd")

	url := fmt.Sprintf("ws://%s/v1/terminal/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()
	client := &clientConn{conn: conn}

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = w, h
	}

	if err := client.send(models.EventCreateSession, models.CreateSessionRequest{
		Cols: uint16(cols),
		Rows: uint16(rows),
		Cwd:  cwd,
	}); err != nil {
		return err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	done := make(chan error, 1)

	// receive: server frames to stdout
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				done <- nil
				return
			}
			var env models.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			switch env.Event {
			case models.EventSessionCreated:
				var p models.SessionCreatedPayload
				if json.Unmarshal(env.Payload, &p) == nil {
					client.setSessionID(p.ID)
				}
			case models.EventSessionData:
				var p models.SessionDataPayload
				if json.Unmarshal(env.Payload, &p) == nil {
					os.Stdout.WriteString(p.Data)
				}
			case models.EventSupervisionSuggestion:
				var p models.SupervisionSuggestionPayload
				if json.Unmarshal(env.Payload, &p) == nil {
					fmt.Fprintf(os.Stderr, "\r\n💡 suggested answer: %s\r\n", p.Response)
				}
			case models.EventSessionError:
				var p models.SessionErrorPayload
				if json.Unmarshal(env.Payload, &p) == nil {
					fmt.Fprintf(os.Stderr, "\r\n❌ %s\r\n", p.Message)
				}
			case models.EventSessionExit:
				done <- nil
				return
			}
		}
	}()

	// send: stdin keystrokes to the session
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if id := client.getSessionID(); id != "" {
					if err := client.send(models.EventSessionInput, models.SessionInputRequest{
						ID:   id,
						Data: string(buf[:n]),
					}); err != nil {
						done <- err
						return
					}
				}
			}
			if err != nil {
				done <- nil
				return
			}
		}
	}()

	// propagate local terminal resizes
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			id := client.getSessionID()
			if id == "" {
				continue
			}
			if w, h, err := term.GetSize(fd); err == nil {
				_ = client.send(models.EventSessionResize, models.SessionResizeRequest{
					ID:   id,
					Cols: uint16(w),
					Rows: uint16(h),
				})
			}
		}
	}()

	return <-done
}
