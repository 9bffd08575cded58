package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/encark/fmtc/internal/wire"
)

const minPayloadLen = 16

type clientConfig struct {
	nodeURL string
	id      string
	role    string
	target  string
	payload []byte
	timeout time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client %s (%s) completed", cfg.id, cfg.role)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	var payload string
	flag.StringVar(&cfg.nodeURL, "node", "ws://127.0.0.1:7080/fmtc", "WebSocket URL of the node's client endpoint")
	flag.StringVar(&cfg.id, "id", "", "Client id to log in with (defaults to the role)")
	flag.StringVar(&cfg.role, "role", "caller", "Role for this client (caller|callee)")
	flag.StringVar(&cfg.target, "target", "callee", "Client id the caller calls")
	flag.StringVar(&payload, "payload", "integration-payload-012345", "Payload echoed through the callee")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "caller", "callee":
	default:
		log.Fatalf("unsupported role %s (expected caller or callee)", cfg.role)
	}
	if cfg.id == "" {
		cfg.id = cfg.role
	}
	cfg.payload = []byte(payload)
	for len(cfg.payload) < minPayloadLen {
		cfg.payload = append(cfg.payload, '0')
	}
	return cfg
}

type client struct {
	conn   *websocket.Conn
	nextID uint64
}

func run(cfg clientConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	u, err := url.Parse(cfg.nodeURL)
	if err != nil {
		return fmt.Errorf("parse node url: %w", err)
	}
	q := u.Query()
	q.Set("id", cfg.id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}
	defer conn.CloseNow()
	c := &client{conn: conn}

	welcome, err := c.read(ctx)
	if err != nil {
		return fmt.Errorf("recv welcome: %w", err)
	}
	if welcome.Type != wire.FrameInit {
		return fmt.Errorf("expected init frame, got type %q", welcome.Type)
	}
	log.Printf("logged in: %s", welcome.Data)

	if cfg.role == "callee" {
		return c.serve(ctx)
	}
	return c.callTarget(ctx, cfg)
}

func (c *client) read(ctx context.Context) (*wire.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func (c *client) write(ctx context.Context, f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// call sends one request and skips unrelated frames until its reply.
func (c *client) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	data, err := wire.Marshal(args)
	if err != nil {
		return nil, err
	}
	c.nextID++
	id := c.nextID
	if err := c.write(ctx, &wire.Frame{Type: wire.FrameCall, ID: id, Name: method, Data: data}); err != nil {
		return nil, err
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if f.Type != wire.FrameReply || f.ID != id {
			continue
		}
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Data, nil
	}
}

// serve echoes every call back to its sender until the connection ends.
func (c *client) serve(ctx context.Context) error {
	for {
		f, err := c.read(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		switch f.Type {
		case wire.FrameCall:
			log.Printf("call %s from %s", f.Name, f.Sender)
			if err := c.write(ctx, &wire.Frame{Type: wire.FrameReply, ID: f.ID, Data: f.Data}); err != nil {
				return err
			}
		case wire.FrameSend, wire.FrameEvent:
			log.Printf("message %s from %s: %s", f.Name, f.Sender, f.Data)
		}
	}
}

func (c *client) callTarget(ctx context.Context, cfg clientConfig) error {
	target := map[string]string{"id": cfg.target}
	for {
		raw, err := c.call(ctx, "hasOnline", target)
		if err != nil {
			return fmt.Errorf("hasOnline: %w", err)
		}
		var reply struct {
			Online bool `json:"online"`
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return fmt.Errorf("decode hasOnline: %w", err)
		}
		if reply.Online {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s never came online: %w", cfg.target, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	payload, err := json.Marshal(string(cfg.payload))
	if err != nil {
		return err
	}
	raw, err := c.call(ctx, "callTo", map[string]any{
		"id":   cfg.target,
		"name": "echo",
		"data": json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("callTo: %w", err)
	}
	if !bytes.Equal(raw, payload) {
		return fmt.Errorf("echo mismatch: %s vs %s", raw, payload)
	}
	if _, err := c.call(ctx, "sendTo", map[string]any{
		"id":   cfg.target,
		"name": "done",
		"data": json.RawMessage(`"bye"`),
	}); err != nil {
		return fmt.Errorf("sendTo: %w", err)
	}
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}
