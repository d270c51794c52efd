package main

import (
	"io"
	"net"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/engine"
	"github.com/radiosilence/nano-httpd/internal/httpmsg"
)

// relay writes a reverse-proxy upstream's response back to the client.
type relay struct {
	server *Server
	ctx    *fasthttp.RequestCtx
	// conn keys the client's session.
	conn   net.Conn
	method httpmsg.Method
	log    zerolog.Logger
}

func (r *relay) Forward(req *httpmsg.Request, up *engine.Upstream) {
	resp, err := up.ReadResponse()
	if err != nil {
		r.log.Error().Err(err).Str("vhost", req.VHost).Str("upstream", up.Addr.String()).Msg("failed to read upstream response")
		r.server.dropSession(r.conn)
		writeResponse(r.ctx, r.server.engine.ErrorResponse(req.Version, errors.WithStack(engine.ErrInternal)))
		return
	}

	switch {
	case r.method == httpmsg.MethodHead:
		writeHead(r.ctx, resp)
		r.ctx.Response.SkipBody = true
	case resp.Body == nil:
		writeHead(r.ctx, resp)
	case resp.Body.Type == httpmsg.Bounded:
		writeHead(r.ctx, resp)
		r.ctx.Response.SetBodyStream(io.LimitReader(resp.Body.Stream, resp.Body.Length), int(resp.Body.Length))
	default:
		r.hijack(resp)
	}
}

// hijack relays a body that ends when the upstream closes. The head and raw
// body bytes, chunked framing included, are copied straight to the client
// connection, which is closed afterwards along with the upstream.
func (r *relay) hijack(resp *httpmsg.Response) {
	head := resp.Serialize(r.method)
	body := resp.Body.Stream
	key := r.conn
	logger := r.log

	r.ctx.SetStatusCode(resp.Code())
	r.ctx.HijackSetNoResponse(true)
	r.ctx.Hijack(func(c net.Conn) {
		defer r.server.dropSession(key)
		if _, err := c.Write(head); err != nil {
			logger.Warn().Err(err).Msg("writing relayed response head")
			return
		}
		if _, err := io.Copy(c, body); err != nil {
			logger.Warn().Err(err).Msg("relaying upstream body")
		}
	})
}
