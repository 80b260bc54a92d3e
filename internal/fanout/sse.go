package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmlog/swarmlog/internal/eventlog"
)

// backlogPageSize bounds a single Read() call while draining history; large
// backlogs are paged rather than requested in one unbounded query.
const backlogPageSize = 500

func (s *Server) streamHandler(c *echo.Context) error {
	project := c.Param("project")
	offset := parseOffset(c.QueryParam("offset"))
	live := c.QueryParam("live") == "true"
	limit := parseLimit(c.QueryParam("limit"), defaultStreamLimit)

	if !live {
		events, err := s.log.Read(c.Request().Context(), project, offset, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, events)
	}
	return s.sseStream(c, project, offset)
}

// defaultEventsHandler is GET /events — a convenience alias for the
// configured default project, always live (spec §4.7).
func (s *Server) defaultEventsHandler(c *echo.Context) error {
	offset := parseOffset(c.QueryParam("offset"))
	return s.sseStream(c, s.defaultProject, offset)
}

// sseStream implements the delivery contract shared by SSE and WS: drain
// the backlog (offset, tail] first, then attach to the live publisher,
// filtering out anything already delivered (spec §4.7 "Delivery contract").
func (s *Server) sseStream(c *echo.Context, project string, offset int64) error {
	ctx := c.Request().Context()
	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	_, release := s.subs.register()
	defer release()

	write := func(evt eventlog.Event) error {
		b, err := json.Marshal(evt)
		if err != nil {
			return nil
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", b); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	lastSent, err := s.drainBacklog(ctx, project, offset, write)
	if err != nil {
		return err
	}

	events := make(chan eventlog.Event, 64)
	dropped := make(chan struct{}, 1)
	unsub, err := s.log.Subscribe(ctx, project, func(evt eventlog.Event) {
		select {
		case events <- evt:
		default:
			// Outbound queue full: no in-memory unbounded buffering (spec.md
			// line 174) — the subscription closes instead of silently
			// losing the event.
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dropped:
			return fmt.Errorf("subscriber outbound queue full, closing")
		case evt := <-events:
			if evt.Sequence <= lastSent {
				continue
			}
			if err := write(evt); err != nil {
				return nil
			}
			lastSent = evt.Sequence
		}
	}
}

// drainBacklog reads every event with sequence > offset up to the tail
// observed at call time, writing each via write, and returns the highest
// sequence delivered (or offset, if nothing was pending).
func (s *Server) drainBacklog(ctx context.Context, project string, offset int64, write func(eventlog.Event) error) (int64, error) {
	tail, err := s.log.Tail(ctx, project)
	if err != nil {
		return offset, err
	}
	cursor := offset
	for cursor < tail {
		page, err := s.log.Read(ctx, project, cursor, backlogPageSize)
		if err != nil {
			return cursor, err
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			if err := write(evt); err != nil {
				return cursor, err
			}
			cursor = evt.Sequence
		}
	}
	if cursor < offset {
		cursor = offset
	}
	return cursor, nil
}

func parseOffset(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
