package daemon

import (
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/framing"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
)

// connection is one authenticated (or not-yet-authenticated) client.
type connection struct {
	conn    net.Conn
	account string
	framer  *framing.Framer
	logger  zerolog.Logger
}

// envelope is the part of every request the dispatcher needs.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

type authRequest struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}

// handlerFunc consumes the raw request and returns the result fields
// for a `result` reply. Kinded errors surface as `error` replies.
type handlerFunc func(c *connection, raw json.RawMessage) (map[string]interface{}, error)

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Error().Err(err).Msg("accept failed")
				continue
			}
		}
		go d.serveConn(conn)
	}
}

func (d *Daemon) serveConn(nc net.Conn) {
	c := &connection{
		conn:   nc,
		framer: framing.NewFramer(),
		logger: log.WithComponent("conn"),
	}
	defer func() {
		if c.account != "" {
			d.state.MarkDisconnected(c.account)
			metrics.AccountsConnected.Dec()
		}
		_ = nc.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if ferr := c.framer.Feed(buf[:n], func(raw json.RawMessage) {
				d.handleMessage(c, raw)
			}); ferr != nil {
				c.logger.Error().Err(ferr).Msg("framing guard tripped, closing connection")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
	}
}

// handleMessage implements the per-message protocol: ping before auth,
// auth exactly once, then single dispatch through the handler map.
func (d *Daemon) handleMessage(c *connection, raw json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	if env.Type == "ping" {
		c.reply(map[string]interface{}{"type": "pong"}, env.RequestID)
		return
	}

	if c.account == "" {
		if env.Type != "auth" {
			c.reply(map[string]interface{}{
				"type":  "auth_fail",
				"error": "authentication required",
			}, env.RequestID)
			_ = c.conn.Close()
			return
		}
		d.authenticate(c, raw, env.RequestID)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		// Unknown request types are silently ignored.
		c.logger.Debug().Str("type", env.Type).Msg("no handler for request type")
		return
	}

	d.state.MarkActive(c.account)
	timer := metrics.NewTimer()
	result, err := handler(c, raw)
	timer.ObserveDurationVec(metrics.RequestDuration, env.Type)

	if err != nil {
		metrics.RequestsTotal.WithLabelValues(env.Type, "error").Inc()
		d.state.RecordError(c.account)
		reply := map[string]interface{}{
			"type":  "error",
			"error": err.Error(),
		}
		var kerr *Error
		if e, ok := err.(*Error); ok {
			kerr = e
		}
		if kerr != nil {
			reply["error"] = kerr.Message
			reply["kind"] = string(kerr.Kind)
			if kerr.Details != nil {
				reply["details"] = kerr.Details
			}
		}
		c.logger.Warn().Err(err).Str("type", env.Type).Msg("handler failed")
		c.reply(reply, env.RequestID)
		return
	}

	metrics.RequestsTotal.WithLabelValues(env.Type, "ok").Inc()
	if result == nil {
		result = map[string]interface{}{}
	}
	result["type"] = "result"
	c.reply(result, env.RequestID)
}

func (d *Daemon) authenticate(c *connection, raw json.RawMessage, requestID string) {
	var req authRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Account == "" {
		c.reply(map[string]interface{}{
			"type":  "auth_fail",
			"error": "malformed auth request",
		}, requestID)
		_ = c.conn.Close()
		return
	}

	if !VerifyToken(d.paths.TokensDir(), req.Account, req.Token) {
		c.logger.Warn().Str("account", req.Account).Msg("authentication failed")
		c.reply(map[string]interface{}{
			"type":  "auth_fail",
			"error": "invalid account or token",
		}, requestID)
		_ = c.conn.Close()
		return
	}

	c.account = req.Account
	c.logger = log.WithAccount(req.Account)
	d.state.MarkConnected(req.Account, req.Token)
	metrics.AccountsConnected.Inc()
	_ = d.capabilities.TouchActive(req.Account)
	c.logger.Info().Msg("account connected")
	c.reply(map[string]interface{}{
		"type":    "auth_ok",
		"account": req.Account,
	}, requestID)
}

// reply writes one framed message, echoing the request id when set.
func (c *connection) reply(v map[string]interface{}, requestID string) {
	if requestID != "" {
		v["requestId"] = requestID
	}
	data, err := framing.Encode(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding reply failed")
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.logger.Debug().Err(err).Msg("writing reply failed")
	}
}
