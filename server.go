package main

import (
	"bytes"
	"context"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/config"
	"github.com/radiosilence/nano-httpd/internal/engine"
	"github.com/radiosilence/nano-httpd/internal/fcgi"
	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/scache"
)

var healthPath = []byte("/_health")

// Server is the connection layer: it parses requests off fasthttp, hands them
// to the engine on a worker slot and writes the responses back.
type Server struct {
	site    *config.Site
	engine  *engine.Engine
	gateway *fcgi.Gateway
	// workers holds the free worker ids. A request holds one while it is
	// being resolved.
	workers chan int
	// sessions maps a client connection to its reverse-proxy upstream.
	sessions    *xsync.MapOf[net.Conn, *engine.Session]
	logRequests bool
	started     time.Time

	requestCount atomic.Uint64
	errorCount   atomic.Uint64
}

func NewServer(site *config.Site, logRequests bool) *Server {
	workers := max(site.Server.Workers, 1)
	gw := fcgi.NewGateway(log.Logger, nil)
	s := &Server{
		site:    site,
		gateway: gw,
		engine: engine.New(site.Router, engine.Options{
			Software: Software(),
			Port:     site.Server.Port,
			Gateway:  gw,
			Logger:   log.Logger,
		}),
		workers:     make(chan int, workers),
		sessions:    xsync.NewMapOf[net.Conn, *engine.Session](),
		logRequests: logRequests,
		started:     time.Now(),
	}
	for i := 0; i < workers; i++ {
		s.workers <- i
	}
	return s
}

type fasthttpLogger struct{}

func (fasthttpLogger) Printf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func (s *Server) httpServer() *fasthttp.Server {
	maxBody := int(s.site.Server.MaxPostSize)
	if maxBody <= 0 || int64(maxBody) != s.site.Server.MaxPostSize {
		maxBody = math.MaxInt32
	}
	return &fasthttp.Server{
		Handler:                       s.handler,
		Name:                          "nano-httpd",
		ReadBufferSize:                16 * 1024,
		WriteBufferSize:               16 * 1024,
		MaxRequestBodySize:            maxBody,
		IdleTimeout:                   2 * time.Minute,
		TCPKeepalive:                  true,
		TCPKeepalivePeriod:            30 * time.Second,
		DisablePreParseMultipartForm:  true,
		DisableHeaderNamesNormalizing: true,
		NoDefaultServerHeader:         true,
		NoDefaultContentType:          true,
		NoDefaultDate:                 true,
		ConnState:                     s.connState,
		Logger:                        fasthttpLogger{},
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := s.httpServer()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe(addr)
	}()
	log.Info().Str("addr", addr).Msg("server listening")

	select {
	case err := <-errc:
		return errors.WithStack(err)
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return errors.WithStack(srv.Shutdown())
	}
}

// Close drops every backend and upstream connection.
func (s *Server) Close() {
	s.gateway.Close()
	s.sessions.Range(func(conn net.Conn, _ *engine.Session) bool {
		s.dropSession(conn)
		return true
	})
}

func (s *Server) session(conn net.Conn) *engine.Session {
	if conn == nil {
		return nil
	}
	sess, _ := s.sessions.LoadOrCompute(conn, func() *engine.Session {
		return &engine.Session{}
	})
	return sess
}

func (s *Server) dropSession(conn net.Conn) {
	if conn == nil {
		return
	}
	if sess, ok := s.sessions.LoadAndDelete(conn); ok {
		if err := sess.Close(); err != nil {
			log.Debug().Err(err).Msg("closing upstream connection")
		}
	}
}

func (s *Server) connState(conn net.Conn, state fasthttp.ConnState) {
	if state == fasthttp.StateClosed {
		s.dropSession(conn)
	}
}

type healthStatus struct {
	Status      string       `json:"status"`
	Timestamp   string       `json:"timestamp"`
	Version     string       `json:"version"`
	Uptime      float64      `json:"uptime_seconds"`
	Requests    uint64       `json:"requests"`
	Errors      uint64       `json:"errors"`
	Cache       scache.Stats `json:"cache"`
	FastCGI     int          `json:"fastcgi_connections"`
	Upstreams   int          `json:"proxy_sessions"`
	FreeWorkers int          `json:"free_workers"`
}

func (s *Server) healthCheckHandler(ctx *fasthttp.RequestCtx) {
	body, err := sonic.Marshal(&healthStatus{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Version:     Version(),
		Uptime:      time.Since(s.started).Seconds(),
		Requests:    s.requestCount.Load(),
		Errors:      s.errorCount.Load(),
		Cache:       s.site.CacheStats(),
		FastCGI:     s.gateway.Open(),
		Upstreams:   s.sessions.Size(),
		FreeWorkers: len(s.workers),
	})
	if err != nil {
		log.Error().Err(err).Msg("encoding health status")
		ctx.Error("health status unavailable", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Server", Software())
	ctx.SetBody(body)
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	s.requestCount.Add(1)
	start := time.Now()

	if bytes.Equal(ctx.Path(), healthPath) {
		s.healthCheckHandler(ctx)
		return
	}

	logger := log.With().Str("request_id", uuid.NewString()).Logger()

	req, err := httpmsg.ParseRequest(ctx.Request.Header.Header(), s.site.Server.MaxPostSize)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed request")
		writeResponse(ctx, s.engine.ErrorResponse("HTTP/1.1", err))
		s.finish(ctx, logger, nil, start)
		return
	}
	if body := ctx.PostBody(); req.Body != nil || len(body) > 0 {
		req.SetBody(append([]byte(nil), body...))
	}

	conn := ctx.Conn()
	client := &engine.Client{
		RemoteAddr: ctx.RemoteAddr(),
		Session:    s.session(conn),
		Forwarder:  &relay{server: s, ctx: ctx, conn: conn, method: req.Method, log: logger},
		Log:        logger,
	}

	client.Worker = <-s.workers
	resp := s.engine.Handle(req, client)
	s.workers <- client.Worker

	if resp != nil {
		writeResponse(ctx, resp)
	}
	s.finish(ctx, logger, req, start)
}

func (s *Server) finish(ctx *fasthttp.RequestCtx, logger zerolog.Logger, req *httpmsg.Request, start time.Time) {
	status := ctx.Response.StatusCode()
	if status >= fasthttp.StatusBadRequest {
		s.errorCount.Add(1)
	}
	if !s.logRequests {
		return
	}

	event := logger.Info()
	if status >= fasthttp.StatusInternalServerError {
		event = logger.Warn()
	}
	if req != nil {
		event = event.Str("vhost", req.VHost)
	}
	event.
		Str("method", string(ctx.Method())).
		Str("path", string(ctx.RequestURI())).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Int("bytes", ctx.Response.Header.ContentLength()).
		Msg("request handled")
}

// writeHead copies the status line and headers of resp onto ctx.
func writeHead(ctx *fasthttp.RequestCtx, resp *httpmsg.Response) {
	ctx.SetStatusCode(resp.Code())
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" {
		ctx.Response.Header.SetStatusMessage([]byte(reason))
	}
	for name, value := range resp.Headers.All() {
		ctx.Response.Header.Add(name, value)
	}
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *httpmsg.Response) {
	writeHead(ctx, resp)
	if resp.Body != nil && !resp.Body.Streamed() {
		// Cached bodies are shared and never modified.
		ctx.Response.SetBodyRaw(resp.Body.Data)
	}
}
