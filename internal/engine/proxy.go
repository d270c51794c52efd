package engine

import (
	"bufio"
	"net"

	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

var ErrUpstreamUnavailable = errors.Base("upstream unavailable")

// Forwarder relays an upstream's response to the client. The connection
// layer implements it; requests reach it in the order they were written.
type Forwarder interface {
	Forward(req *httpmsg.Request, up *Upstream)
}

// Upstream is an open connection to a reverse-proxy target.
type Upstream struct {
	Addr vhost.Addr
	conn net.Conn
	br   *bufio.Reader
}

// NewUpstream wraps an open connection to addr.
func NewUpstream(addr vhost.Addr, conn net.Conn) *Upstream {
	return &Upstream{Addr: addr, conn: conn, br: bufio.NewReader(conn)}
}

// ReadResponse reads the next response head. Its body streams from the
// upstream connection.
func (u *Upstream) ReadResponse() (*httpmsg.Response, error) {
	return httpmsg.ReadResponse(u.br)
}

// Conn returns the raw connection, for relaying bodies read until close.
// Bytes already buffered by ReadResponse are in Reader.
func (u *Upstream) Conn() net.Conn { return u.conn }

// Reader returns the buffered reader over the connection.
func (u *Upstream) Reader() *bufio.Reader { return u.br }

// Session holds one client connection's upstream. It is used by one request
// at a time.
type Session struct {
	up *Upstream
}

func (s *Session) open(addr vhost.Addr, dial Dialer) (*Upstream, error) {
	if s.up != nil && s.up.Addr == addr {
		return s.up, nil
	}
	s.Close()
	conn, err := dial(addr.Network, addr.Address)
	if err != nil {
		errE := errors.WrapWith(err, ErrUpstreamUnavailable)
		errors.Details(errE)["upstream"] = addr.String()
		return nil, errE
	}
	s.up = NewUpstream(addr, conn)
	return s.up, nil
}

// Close closes the upstream connection, if any.
func (s *Session) Close() error {
	if s.up == nil {
		return nil
	}
	err := s.up.conn.Close()
	s.up = nil
	return errors.WithStack(err)
}

// proxy writes the request to the session's upstream, reopening it once if
// the write fails. It reports whether the request was handed to the
// forwarder; otherwise the response holds an error page.
func (x *exchange) proxy(site *vhost.ReverseProxy) bool {
	if x.client.Session == nil || x.client.Forwarder == nil {
		x.log.Error().Str("vhost", x.req.VHost).Msg("reverse proxy needs a connection session")
		errorPage(x.resp, fasthttp.StatusInternalServerError, msgInternal, nil)
		return false
	}

	msg := x.req.Serialize()
	for attempt := 0; ; attempt++ {
		up, err := x.client.Session.open(site.Upstream, x.e.dial)
		if err == nil {
			if err = writeFull(up.conn, msg); err == nil {
				x.client.Forwarder.Forward(x.req, up)
				return true
			}
			x.client.Session.Close()
		}
		x.log.Error().Err(err).Str("upstream", site.Upstream.String()).Int("attempt", attempt+1).Msg("failed to write to upstream")
		if attempt > 0 {
			errorPage(x.resp, fasthttp.StatusInternalServerError, msgInternal, nil)
			return false
		}
	}
}

func writeFull(conn net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return errors.WrapWith(err, ErrUpstreamUnavailable)
		}
		if n == 0 {
			return errors.WithStack(ErrUpstreamUnavailable)
		}
		b = b[n:]
	}
	return nil
}
