package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/swarmlog/swarmlog/internal/eventlog"
)

// wsClientMessage is the envelope a client sends over /ws (spec §4.7, §6).
type wsClientMessage struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
}

// wsHandler upgrades to WebSocket and drives subscribe/backlog/live
// delivery plus the 30s heartbeat (spec §4.7). Ported in shape from tarsy's
// pkg/api.wsHandler + pkg/events.ConnectionManager, collapsed to a single
// connection (no shared ConnectionManager/Broadcast — each WS connection
// owns its own LogStore.Subscribe, since this system fans out per-project
// sequences rather than tarsy's single global event id).
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is not part of this spec's scope (single-tenant,
		// localhost-first daemon); matches tarsy's current-phase policy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, release := s.subs.register()
	defer release()

	if err := s.wsWriteJSON(ctx, conn, map[string]any{"type": "connected"}); err != nil {
		return nil
	}

	incoming := make(chan wsClientMessage, 8)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	events := make(chan eventlog.Event, 64)
	var dropped <-chan struct{}
	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrCh:
			if err != nil {
				slog.Debug("ws connection closed", "error", err)
			}
			return nil
		case <-dropped:
			slog.Debug("ws subscriber outbound queue full, closing connection")
			return nil
		case msg := <-incoming:
			switch msg.Type {
			case "ping":
				if err := s.wsWriteJSON(ctx, conn, map[string]any{"type": "pong"}); err != nil {
					return nil
				}
			case "subscribe":
				if unsubscribe != nil {
					unsubscribe()
					unsubscribe = nil
				}
				lastSent, u, d, err := s.wsSubscribe(ctx, conn, s.defaultProject, msg.Offset, events)
				if err != nil {
					return nil
				}
				unsubscribe = u
				dropped = d
				_ = lastSent
			}
		case evt := <-events:
			if err := s.wsWriteJSON(ctx, conn, map[string]any{
				"type":     "event",
				"id":       evt.ID,
				"project":  evt.ProjectKey,
				"sequence": evt.Sequence,
				"kind":     evt.Type,
				"data":     evt.Data,
				"ts":       evt.Timestamp,
			}); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := s.wsWriteJSON(ctx, conn, map[string]any{
				"type":      "heartbeat",
				"timestamp": time.Now().UnixMilli(),
			}); err != nil {
				return nil
			}
		}
	}
}

// wsSubscribe drains the backlog for project/offset onto the conn directly
// (tagged type:"event"), then attaches a live LogStore.Subscribe that feeds
// out into events for the caller's select loop to forward, filtering
// anything already delivered (spec §4.7 delivery contract).
func (s *Server) wsSubscribe(ctx context.Context, conn *websocket.Conn, project string, offset int64, events chan<- eventlog.Event) (int64, func(), <-chan struct{}, error) {
	write := func(evt eventlog.Event) error {
		return s.wsWriteJSON(ctx, conn, map[string]any{
			"type":     "event",
			"id":       evt.ID,
			"project":  evt.ProjectKey,
			"sequence": evt.Sequence,
			"kind":     evt.Type,
			"data":     evt.Data,
			"ts":       evt.Timestamp,
		})
	}

	lastSent, err := s.drainBacklog(ctx, project, offset, write)
	if err != nil {
		return offset, func() {}, nil, err
	}

	dropped := make(chan struct{}, 1)
	unsub, err := s.log.Subscribe(ctx, project, func(evt eventlog.Event) {
		if evt.Sequence <= lastSent {
			return
		}
		select {
		case events <- evt:
		default:
			// Outbound queue full: no in-memory unbounded buffering (spec.md
			// line 174) — signal the connection loop to close rather than
			// drop the event silently.
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return lastSent, func() {}, nil, err
	}
	return lastSent, unsub, dropped, nil
}

func (s *Server) wsWriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, b)
}
