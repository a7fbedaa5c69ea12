package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
)

// handleEvents streams a run's lifecycle events via Server-Sent Events.
// The stream ends after a terminal event, or when the client disconnects.
//
// Example:
//
//	GET /api/v1/runs/{id}/events
//
//	event: phase
//	data: {"type":"phase","run_id":"...","phase":"review","round":0,...}
//
//	event: suspended
//	data: {"type":"suspended","run_id":"...","phase":"approval",...}
func (s *Server) handleEvents(c echo.Context) error {
	if s.subscriber == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is not enabled")
	}
	run, err := s.ownedRun(c)
	if err != nil {
		return err
	}

	ch := make(chan events.Event, 64)
	unsubscribe, err := s.subscriber.Subscribe(run.ID, func(e events.Event) {
		select {
		case ch <- e:
		default:
			s.logger.Warn("dropping event for slow stream", zap.String("run_id", e.RunID), zap.String("event", string(e.Type)))
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	// The run may have finished before the subscription was in place.
	if current, err := s.runs.Status(c.Request().Context(), run.ID); err == nil && current.Status.Terminal() {
		return s.writeEvent(c, finalEvent(current))
	}
	c.Response().Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e := <-ch:
			if err := s.writeEvent(c, e); err != nil {
				return err
			}
			if e.Type.Terminal() {
				return nil
			}
		case <-ticker.C:
			fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func (s *Server) writeEvent(c echo.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Response(), "event: %s\n", e.Type)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
	return nil
}

// finalEvent describes a run that ended before streaming started.
func finalEvent(r scheduler.Run) events.Event {
	t := events.Completed
	switch r.Status {
	case scheduler.StatusFailed:
		t = events.Failed
	case scheduler.StatusCancelled:
		t = events.Cancelled
	}
	var at time.Time
	if r.FinishedAt != nil {
		at = *r.FinishedAt
	}
	return events.Event{
		Type:     t,
		RunID:    r.ID,
		CallerID: r.CallerID,
		Phase:    string(r.Phase),
		Round:    r.Round,
		Outcome:  string(r.Outcome),
		Error:    r.Error,
		Message:  r.Message,
		Time:     at,
	}
}
