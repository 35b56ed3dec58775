package httpserver

import (
	"net/http"
	"net/http/pprof"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleIndex)
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/video_feed", s.handleVideoFeed)
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/api/identities", s.handleIdentities)
	s.echo.GET("/api/broadcast", s.handleBroadcast)

	if s.opts.Metrics != nil {
		s.echo.GET(s.opts.MetricsPath, echo.WrapHandler(s.opts.Metrics))
	}
	if s.opts.Pprof {
		g := s.echo.Group("/debug/pprof")
		g.GET("/", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(pprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(pprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(pprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(pprof.Trace)))
		g.GET("/:profile", func(c echo.Context) error {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}
