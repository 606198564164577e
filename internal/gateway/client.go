package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"tabscribe/internal/observe"
	"tabscribe/internal/timeline"
	"tabscribe/pkg/audio"
)

// Client message types. Binary WebSocket frames carry captured audio as
// little-endian PCM16 at the capture rate; text frames carry one JSON
// [ClientMessage].
const (
	MsgHello           = "hello"
	MsgStartLive       = "start_live"
	MsgStopLive        = "stop_live"
	MsgStartGeneration = "start_generation"
	MsgStopGeneration  = "stop_generation"
	MsgPlay            = "play"
	MsgPause           = "pause"
	MsgSeek            = "seek"
	MsgTimeSync        = "time_sync"
	MsgLearnPattern    = "learn_pattern"
)

// Server message types.
const (
	MsgStatus         = "status"
	MsgInterim        = "interim"
	MsgFinal          = "final"
	MsgCompletion     = "completion"
	MsgPatternLearned = "pattern_learned"
	MsgError          = "error"
)

// ClientMessage is a command from the extension.
type ClientMessage struct {
	Type        string  `json:"type"`
	TabID       string  `json:"tabId,omitempty"`
	VideoTime   float64 `json:"videoTime,omitempty"`
	Name        string  `json:"name,omitempty"`
	PatternType string  `json:"patternType,omitempty"`
	StartTime   float64 `json:"startTime,omitempty"`
	EndTime     float64 `json:"endTime,omitempty"`
}

// ServerMessage is a push to the extension.
type ServerMessage struct {
	Type      string           `json:"type"`
	Status    string           `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Text      string           `json:"text,omitempty"`
	VideoTime float64          `json:"videoTime,omitempty"`
	Entries   []timeline.Entry `json:"entries,omitempty"`
	Success   bool             `json:"success,omitempty"`
	Chunks    int              `json:"chunks,omitempty"`
	PatternID string           `json:"patternId,omitempty"`
}

// sendBuffer bounds per-client outbound queues. A client that cannot keep up
// loses interim updates; settled entries are re-fetchable, so dropping beats
// stalling the pipeline.
const sendBuffer = 64

// client is one WebSocket connection. A connection is bound to a single tab
// by its hello message; audio and commands before hello are rejected.
type client struct {
	conn   *websocket.Conn
	server *Server

	tabID string
	send  chan ServerMessage
	done  chan struct{}
}

func newClient(w http.ResponseWriter, r *http.Request, s *Server) (*client, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The extension connects from its own origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, err
	}
	return &client{
		conn:   conn,
		server: s,
		send:   make(chan ServerMessage, sendBuffer),
		done:   make(chan struct{}),
	}, nil
}

// enqueue queues msg for delivery, dropping it when the client is backed up.
func (c *client) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.server.metrics.DroppedResults.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", "slow_client")))
	}
}

func (c *client) run(ctx context.Context) {
	c.server.metrics.ConnectedClients.Add(ctx, 1)
	defer c.server.metrics.ConnectedClients.Add(context.Background(), -1)

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	close(c.done)
	c.conn.Close(websocket.StatusNormalClosure, "bye")
	if c.tabID != "" {
		if last := c.server.unregister(c.tabID, c); last {
			c.server.cfg.Controller.CloseTab(c.tabID)
		}
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("marshal server message", "type", msg.Type, "err", err)
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.enqueue(ServerMessage{Type: MsgError, Message: "malformed message"})
				continue
			}
			c.handleCommand(ctx, msg)
		}
	}
}

func (c *client) handleAudio(ctx context.Context, data []byte) {
	if c.tabID == "" {
		return
	}
	samples := audio.DecodePCM16(data)
	if err := c.server.cfg.Controller.PushAudio(ctx, c.tabID, samples); err != nil {
		slog.Warn("push audio failed", "tab", c.tabID, "err", err)
		c.enqueue(ServerMessage{Type: MsgError, Message: err.Error()})
	}
}

func (c *client) handleCommand(ctx context.Context, msg ClientMessage) {
	if msg.Type == MsgHello {
		if msg.TabID == "" {
			c.enqueue(ServerMessage{Type: MsgError, Message: "hello requires tabId"})
			return
		}
		// A connection binds to one tab for its lifetime. Re-binding would
		// leave the old registration dangling; the extension opens a fresh
		// connection per tab instead.
		if c.tabID != "" {
			if msg.TabID == c.tabID {
				c.enqueue(ServerMessage{Type: MsgStatus, Status: "connected"})
			} else {
				c.enqueue(ServerMessage{Type: MsgError, Message: "connection already bound to tab " + c.tabID})
			}
			return
		}
		c.tabID = msg.TabID
		c.server.register(c.tabID, c)
		c.enqueue(ServerMessage{Type: MsgStatus, Status: "connected"})
		return
	}
	if c.tabID == "" {
		c.enqueue(ServerMessage{Type: MsgError, Message: "hello required before commands"})
		return
	}

	ctrl := c.server.cfg.Controller
	var err error
	switch msg.Type {
	case MsgStartLive:
		if err = ctrl.StartLive(ctx, c.tabID, msg.VideoTime); err == nil {
			c.enqueue(ServerMessage{Type: MsgStatus, Status: "live_started"})
		}
	case MsgStopLive:
		ctrl.StopLive(c.tabID)
		c.enqueue(ServerMessage{Type: MsgStatus, Status: "live_stopped"})
	case MsgStartGeneration:
		if err = ctrl.StartGeneration(ctx, c.tabID, msg.VideoTime); err == nil {
			c.enqueue(ServerMessage{Type: MsgStatus, Status: "generation_started"})
		}
	case MsgStopGeneration:
		ctrl.StopGeneration(c.tabID)
		c.enqueue(ServerMessage{Type: MsgStatus, Status: "generation_stopped"})
	case MsgPlay:
		ctrl.Play(c.tabID)
	case MsgPause:
		ctrl.Pause(c.tabID)
	case MsgSeek:
		err = ctrl.Seek(c.tabID, msg.VideoTime)
	case MsgTimeSync:
		ctrl.SyncTime(c.tabID, msg.VideoTime)
	case MsgLearnPattern:
		// Pattern learning can take up to a minute; keep the read loop free.
		go func(msg ClientMessage) {
			if err := ctrl.LearnPattern(ctx, c.tabID, msg.Name, msg.PatternType, msg.StartTime, msg.EndTime, msg.VideoTime); err != nil {
				c.enqueue(ServerMessage{Type: MsgError, Message: fmt.Sprintf("learn pattern: %v", err)})
			}
		}(msg)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		c.enqueue(ServerMessage{Type: MsgError, Message: err.Error()})
	}
}
