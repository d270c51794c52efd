// Package engine turns a parsed request into a response: it routes the
// request to a virtual host and serves it from the static cache, the
// document root, a FastCGI backend or a reverse-proxy upstream.
package engine

import (
	"net"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/radiosilence/nano-httpd/internal/fcgi"
	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

// Dialer opens an upstream connection. net.Dial satisfies it.
type Dialer func(network, address string) (net.Conn, error)

type Options struct {
	// Software is advertised in the Server header, e.g. "nano-httpd/1.0.0".
	Software string
	// Port is passed to FastCGI backends as SERVER_PORT.
	Port    int
	Gateway *fcgi.Gateway
	// Dial opens reverse-proxy upstreams. Defaults to net.Dial.
	Dial   Dialer
	Logger zerolog.Logger
}

type Engine struct {
	router   *vhost.Router
	gateway  *fcgi.Gateway
	dial     Dialer
	software string
	port     string
	log      zerolog.Logger
}

func New(router *vhost.Router, opts Options) *Engine {
	e := &Engine{
		router:   router,
		gateway:  opts.Gateway,
		dial:     opts.Dial,
		software: opts.Software,
		port:     strconv.Itoa(opts.Port),
		log:      opts.Logger,
	}
	if e.dial == nil {
		e.dial = net.Dial
	}
	if e.gateway == nil {
		e.gateway = fcgi.NewGateway(opts.Logger, nil)
	}
	if e.software == "" {
		e.software = "nano-httpd"
	}
	return e
}

func (e *Engine) Router() *vhost.Router { return e.router }

// Client is the connection a request arrived on.
type Client struct {
	// Worker is the id of the worker slot serving the request. No two
	// requests in flight share one.
	Worker     int
	RemoteAddr net.Addr
	// Session keeps the connection's reverse-proxy upstream between requests.
	Session *Session
	// Forwarder receives requests written to an upstream.
	Forwarder Forwarder
	Log       zerolog.Logger
}

// exchange is the state of one request resolution.
type exchange struct {
	e      *Engine
	req    *httpmsg.Request
	resp   *httpmsg.Response
	client *Client
	log    zerolog.Logger
}

// Handle resolves req. It returns nil when the request was forwarded to a
// reverse-proxy upstream, in which case client.Forwarder owns the reply.
// Every failure is answered with an error page.
func (e *Engine) Handle(req *httpmsg.Request, client *Client) *httpmsg.Response {
	x := &exchange{
		e:      e,
		req:    req,
		resp:   httpmsg.NewResponse(req.Version),
		client: client,
		log:    client.Log,
	}

	vh := e.router.Resolve(req.Headers.Value("Host"))
	visited := mapset.NewThreadUnsafeSet[string]()
	for {
		req.VHost = ""
		if vh != nil {
			req.VHost = vh.ID
		}
		e.upgrade(x)
		x.resp.Headers.SetOrAdd("Server", e.software)
		x.resp.Headers.SetOrAdd("Connection", "keep-alive")

		if vh == nil {
			errorPage(x.resp, fasthttp.StatusInternalServerError, msgNoSite, nil)
			break
		}
		if !visited.Add(strings.ToLower(vh.ID)) {
			x.log.Error().Str("vhost", vh.ID).Str("path", req.Path).Msg("mount loop detected")
			errorPage(x.resp, fasthttp.StatusInternalServerError, msgInternal, nil)
			break
		}

		switch site := vh.Site.(type) {
		case *vhost.Mount:
			vh = x.mount(site)
			continue
		case *vhost.Redirect:
			x.resp.SetStatus(fasthttp.StatusFound)
			x.resp.Headers.Add("Location", site.Location)
		case *vhost.ReverseProxy:
			if x.proxy(site) {
				return nil
			}
		case *vhost.StaticDocs:
			x.static(site)
		}
		break
	}

	x.frame()
	return x.resp
}

// mount rewrites the request path for the first matching mount point and
// returns its target, or nil when nothing matches.
func (x *exchange) mount(site *vhost.Mount) *vhost.VHost {
	p, ok := site.Match(x.req.Path)
	if !ok {
		return nil
	}
	x.req.Prefix += strings.TrimSuffix(p.Prefix, "/")
	x.req.Path = vhost.Rewrite(x.req.Path, p.Prefix)
	return x.e.router.Lookup(p.Target)
}

// upgrade recognises HTTP/2 upgrade requests. Switching protocols is not
// supported; the request is served over HTTP/1.
func (e *Engine) upgrade(x *exchange) {
	if x.resp.Version == "HTTP/2.0" {
		return
	}
	if x.req.Headers.Value("Upgrade") == "h2" {
		x.log.Debug().Str("path", x.req.Path).Msg("h2 upgrade requested, continuing over HTTP/1")
	}
}

// frame sets Content-Type and Content-Length for a buffered body unless they
// came from the cache.
func (x *exchange) frame() {
	body := x.resp.Body
	if x.req.AlreadyCached || body == nil || body.Streamed() {
		return
	}
	if body.MIME != "" {
		x.resp.Headers.SetOrAdd("Content-Type", body.MIME)
	}
	x.resp.Headers.SetOrAdd("Content-Length", strconv.Itoa(len(body.Data)))
}
