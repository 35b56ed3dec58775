package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"facecast/internal/framecast"
	"facecast/internal/runtime/supervisor"
	logx "facecast/pkg/logx"
)

const (
	mjpegBoundary = "frame"

	transportMJPEG = "mjpeg"
	transportWS    = "ws"
)

const indexHTML = `<!doctype html>
<html>
<head><title>facecast</title></head>
<body>
<h1>facecast</h1>
<img src="/video_feed" alt="live stream">
</body>
</html>
`

func (s *Server) handleIndex(c echo.Context) error {
	return c.HTML(http.StatusOK, indexHTML)
}

// handleHealth reports "degraded" while any supervised task is down after a
// failure. The status code stays 200.
func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	var tasks []supervisor.TaskStats
	if s.opts.Tasks != nil {
		tasks = s.opts.Tasks()
	}
	for _, t := range tasks {
		if !t.Running && t.LastErr != "" {
			status = "degraded"
			break
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": status,
		"uptime": time.Since(s.started).Seconds(),
		"tasks":  tasks,
	})
}

func (s *Server) handleIdentities(c echo.Context) error {
	if s.opts.Identities == nil {
		return echo.NewHTTPError(http.StatusNotFound, "identity clustering disabled")
	}
	names := 0
	if s.opts.Names != nil {
		names = s.opts.Names.Len()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"clusters": s.opts.Identities.Snapshot(),
		"names":    names,
	})
}

func (s *Server) handleBroadcast(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Broadcast.Stats())
}

// attach starts the producer for a streaming request. A broken camera is a 503.
func (s *Server) attach(ctx context.Context) error {
	err := s.opts.Broadcast.StartOrAttach(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, framecast.ErrSourceUnavailable) {
		s.log.Error("camera unavailable", logx.Err(err))
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, "camera unavailable").SetInternal(err)
}

func (s *Server) opened(transport string) func() {
	if s.opts.Recorder == nil {
		return func() {}
	}
	s.opts.Recorder.StreamOpened(transport)
	return func() { s.opts.Recorder.StreamClosed(transport) }
}

func (s *Server) handleVideoFeed(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.attach(ctx); err != nil {
		return err
	}
	id := framecast.ConsumerID(transportMJPEG + "-" + uuid.NewString())
	defer s.opts.Broadcast.Release(id)
	defer s.opened(transportMJPEG)()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		frame, err := s.opts.Broadcast.Next(ctx, id)
		if err != nil {
			return nil
		}
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
			return nil
		}
		if _, err := w.Write(frame); err != nil {
			return nil
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return nil
		}
		w.Flush()
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	if err := s.attach(ctx); err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}
	defer conn.Close()

	id := framecast.ConsumerID(transportWS + "-" + uuid.NewString())
	defer s.opts.Broadcast.Release(id)
	defer s.opened(transportWS)()

	// The reader only detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		frame, err := s.opts.Broadcast.Next(ctx, id)
		if err != nil {
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WSWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.log.Debug("websocket write failed", logx.String("consumer", string(id)), logx.Err(err))
			return nil
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	return nil
}
