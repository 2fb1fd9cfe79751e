// Package client is the line-protocol client for the agentd socket,
// used by the CLI and by integration tests.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/agentd/pkg/framing"
)

// Client is one authenticated connection to the daemon. Requests are
// serialized: one in flight at a time, replies matched by requestId.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing daemon at %s: %w", socketPath, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: 30 * time.Second,
	}, nil
}

// SetTimeout overrides the per-request deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one framed request and reads replies until the one
// echoing our requestId arrives.
func (c *Client) roundTrip(req map[string]interface{}) (map[string]interface{}, error) {
	requestID := uuid.New().String()
	req["requestId"] = requestID

	data, err := framing.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	_ = c.conn.SetDeadline(deadline)
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading reply: %w", err)
		}
		var reply map[string]interface{}
		if err := json.Unmarshal(line, &reply); err != nil {
			continue
		}
		if id, _ := reply["requestId"].(string); id == requestID {
			return reply, nil
		}
	}
}

// Ping checks liveness without authenticating.
func (c *Client) Ping() error {
	reply, err := c.roundTrip(map[string]interface{}{"type": "ping"})
	if err != nil {
		return err
	}
	if reply["type"] != "pong" {
		return fmt.Errorf("unexpected ping reply %v", reply["type"])
	}
	return nil
}

// Auth authenticates the connection as an account.
func (c *Client) Auth(account, token string) error {
	reply, err := c.roundTrip(map[string]interface{}{
		"type":    "auth",
		"account": account,
		"token":   token,
	})
	if err != nil {
		return err
	}
	if reply["type"] != "auth_ok" {
		msg, _ := reply["error"].(string)
		return fmt.Errorf("authentication failed: %s", msg)
	}
	return nil
}

// Request sends an arbitrary typed request and returns the reply. An
// `error` reply becomes a Go error.
func (c *Client) Request(reqType string, fields map[string]interface{}) (map[string]interface{}, error) {
	req := map[string]interface{}{"type": reqType}
	for k, v := range fields {
		req[k] = v
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if reply["type"] == "error" {
		msg, _ := reply["error"].(string)
		return reply, fmt.Errorf("%s failed: %s", reqType, msg)
	}
	return reply, nil
}
