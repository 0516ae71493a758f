package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xiaot623/gogo/fleet/internal/protocol"
)

// detachKey ends an attach without touching the session (Ctrl-]).
const detachKey = 0x1d

func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a live session on the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, map[string]string{"worker.hub_url": "hub"})
			if err != nil {
				return err
			}
			return runAttach(cmd, cfg.Worker.HubURL, cfg.Server.APIKey, args[0])
		},
	}
	cmd.Flags().String("hub", "", "hub base URL")
	return cmd
}

// socketURL turns a hub base URL into its viewer socket URL.
func socketURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", hubURL, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

type attachClient struct {
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
}

func (c *attachClient) send(typ string, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *attachClient) expect(typ string) (*protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", typ, err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	if env.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		_ = env.Unmarshal(&p)
		return nil, fmt.Errorf("%s: %s", p.Code, p.Message)
	}
	if env.Type != typ {
		return nil, fmt.Errorf("expected %s, got %s", typ, env.Type)
	}
	return env, nil
}

func (c *attachClient) resize() {
	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return
	}
	_ = c.send(protocol.TypePTYResize, protocol.PTYResizePayload{
		SessionID: c.sessionID,
		Cols:      uint16(cols),
		Rows:      uint16(rows),
	})
}

func runAttach(cmd *cobra.Command, hubURL, apiKey, sessionID string) error {
	addr, err := socketURL(hubURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	c := &attachClient{conn: conn, sessionID: sessionID}
	if err := c.send(protocol.TypeHello, protocol.HelloPayload{
		APIKey:     apiKey,
		ClientMeta: map[string]string{"client": appName},
	}); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	if _, err := c.expect(protocol.TypeHelloAck); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}
	if err := c.send(protocol.TypeAttach, protocol.AttachPayload{SessionID: sessionID}); err != nil {
		return fmt.Errorf("write attach: %w", err)
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
		c.resize()

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				c.resize()
			}
		}()
	}

	done := make(chan error, 2)
	go func() { done <- c.readLoop(cmd.OutOrStdout()) }()
	go func() { done <- c.inputLoop(os.Stdin) }()

	err = <-done
	_ = c.send(protocol.TypeDetach, nil)
	if errors.Is(err, errDetached) || errors.Is(err, errExited) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\r\n[%s]\r\n", err)
		return nil
	}
	return err
}

var (
	errDetached = errors.New("detached")
	errExited   = errors.New("session exited")
)

func (c *attachClient) readLoop(out io.Writer) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypePTYOutput:
			var p protocol.PTYOutputPayload
			if env.Unmarshal(&p) != nil || p.SessionID != c.sessionID {
				continue
			}
			if _, err := out.Write(p.Data); err != nil {
				return err
			}
		case protocol.TypePTYExit:
			var p protocol.PTYExitPayload
			if env.Unmarshal(&p) == nil && p.SessionID == c.sessionID {
				return fmt.Errorf("%w with code %d", errExited, p.ExitCode)
			}
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = env.Unmarshal(&p)
			if p.Code == protocol.ErrorCodeSessionNotFound {
				return fmt.Errorf("session %s: %s", c.sessionID, p.Message)
			}
		}
	}
}

func (c *attachClient) inputLoop(in io.Reader) error {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = c.send(protocol.TypePTYInput, protocol.PTYInputPayload{SessionID: c.sessionID, Data: string(chunk[:i])})
				}
				return errDetached
			}
			if err := c.send(protocol.TypePTYInput, protocol.PTYInputPayload{SessionID: c.sessionID, Data: string(chunk)}); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errDetached
			}
			return err
		}
	}
}
