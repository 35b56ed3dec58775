// Package httpserver is the HTTP frame sink: MJPEG and WebSocket streams of the
// broadcast plus small JSON status endpoints.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"facecast/internal/framecast"
	"facecast/internal/identity"
	"facecast/internal/runtime/supervisor"
	logx "facecast/pkg/logx"
)

// Broadcast is the part of framecast.Broadcaster the handlers use.
type Broadcast interface {
	StartOrAttach(ctx context.Context) error
	Next(ctx context.Context, id framecast.ConsumerID) ([]byte, error)
	Release(id framecast.ConsumerID)
	Stats() framecast.Stats
}

type IdentitySnapshotter interface {
	Snapshot() identity.Snapshot
}

type NameCounter interface {
	Len() int
}

type StreamRecorder interface {
	StreamOpened(transport string)
	StreamClosed(transport string)
}

type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	WSWriteTimeout    time.Duration
	Pprof             bool

	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string

	Broadcast  Broadcast
	Identities IdentitySnapshotter
	Names      NameCounter
	Recorder   StreamRecorder
	// Tasks lists the supervised goroutines for /healthz.
	Tasks func() []supervisor.TaskStats
	Log   logx.Logger
}

type Server struct {
	echo     *echo.Echo
	opts     Options
	log      logx.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

func New(opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 5 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{
		echo: e,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on Options.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		// Streams hold connections open; request contexts end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete; closing", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	return nil
}

func requestLogger(log logx.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				log.Warn("http request failed", append(fields, logx.Err(v.Error))...)
				return nil
			}
			log.Debug("http request", fields...)
			return nil
		},
	})
}
