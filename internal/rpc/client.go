package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coreswarm/swarmd/internal/query"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

// clientRequest is a client->server frame. Exactly one of Query or
// Update is set.
type clientRequest struct {
	Query  *queryRequest              `json:"query,omitempty"`
	Update *rpctypes.CResourceUpdate  `json:"update,omitempty"`
}

type queryRequest struct {
	Type     rpctypes.ResourceType `json:"type"`
	Criteria []query.Criterion     `json:"criteria"`
}

// serverResponse answers a clientRequest; Error is set instead of
// Result on failure, matching spec's "reply with an error frame,
// don't drop the connection" rule.
type serverResponse struct {
	Result []interface{} `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type client struct {
	server *Server
	conn   *websocket.Conn
	sendC  chan *rpctypes.Envelope

	closeOnce sync.Once
	closedC   chan struct{}
}

func newClient(s *Server, conn *websocket.Conn) *client {
	return &client{
		server:  s,
		conn:    conn,
		sendC:   make(chan *rpctypes.Envelope, 64),
		closedC: make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closedC)
		c.conn.Close()
	})
}

// readPump reads client frames (queries and resource updates) until
// the connection breaks or close is called. Malformed JSON and
// unknown commands get an error frame rather than a dropped
// connection, per the RPC error-handling rule; only a broken
// WebSocket itself ends the loop.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(connTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(connTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *client) handleFrame(data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(serverResponse{Error: "malformed json: " + err.Error()})
		return
	}

	switch {
	case req.Query != nil:
		results, err := c.server.query(req.Query.Type, req.Query.Criteria)
		if err != nil {
			c.reply(serverResponse{Error: err.Error()})
			return
		}
		c.reply(serverResponse{Result: results})
	case req.Update != nil:
		if err := c.server.resources.ApplyUpdate(*req.Update); err != nil {
			c.reply(serverResponse{Error: err.Error()})
			return
		}
		c.reply(serverResponse{})
	default:
		c.reply(serverResponse{Error: "unknown command"})
	}
}

func (c *client) reply(resp serverResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.sendC <- &rpctypes.Envelope{Kind: "response", Payload: b}:
	case <-c.closedC:
	}
}

// writePump drains sendC to the socket and keeps the connection alive
// with periodic pings, per the original client's 15s ping / 20s
// timeout cadence.
func (c *client) writePump() {
	ticker := time.NewTicker(connPing)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case env, ok := <-c.sendC:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closedC:
			return
		}
	}
}
