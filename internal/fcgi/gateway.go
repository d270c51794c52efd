package fcgi

import (
	"bufio"
	"bytes"
	"net"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
)

var ErrBackendUnavailable = errors.Base("fastcgi backend unavailable")

// requestID is constant: a slot carries one request at a time.
const requestID = 1

var headerBoundary = []byte("\r\n\r\n")

// Dialer opens a backend connection. net.Dial satisfies it.
type Dialer func(network, address string) (net.Conn, error)

// Gateway owns one persistent connection per (worker, backend) pair. A worker
// id is held by a single request at a time, so a slot is never shared.
type Gateway struct {
	dial  Dialer
	slots *xsync.MapOf[slotKey, *slot]
	log   zerolog.Logger
}

type slotKey struct {
	worker  int
	network string
	address string
}

type slot struct {
	conn net.Conn
	br   *bufio.Reader
}

func NewGateway(logger zerolog.Logger, dial Dialer) *Gateway {
	if dial == nil {
		dial = net.Dial
	}
	return &Gateway{
		dial:  dial,
		slots: xsync.NewMapOf[slotKey, *slot](),
		log:   logger,
	}
}

// Call is one request to a responder backend.
type Call struct {
	Worker  int
	Network string
	Address string
	Params  []Param
	Stdin   []byte
}

// Result is the backend's answer. Status is empty unless the backend sent a
// CGI Status header. Content-Type and Status are not part of Headers.
type Result struct {
	Status  string
	Headers httpmsg.Headers
	MIME    string
	Body    []byte
	End     EndRequest
}

// Do sends call and reads the response until END_REQUEST. A failed write
// reopens the slot's connection once before giving up.
func (g *Gateway) Do(call *Call) (*Result, error) {
	key := slotKey{worker: call.Worker, network: call.Network, address: call.Address}
	msg := EncodeRequest(requestID, call.Params, call.Stdin)

	var s *slot
	for attempt := 0; ; attempt++ {
		var err error
		s, err = g.acquire(key)
		if err == nil {
			if err = writeFull(s.conn, msg); err == nil {
				break
			}
			g.drop(key)
		}
		if attempt > 0 {
			errE := errors.WrapWith(err, ErrBackendUnavailable)
			errors.Details(errE)["backend"] = call.Address
			return nil, errE
		}
		g.log.Warn().Err(err).Str("backend", call.Address).Int("worker", call.Worker).Msg("FastCGI write failed, reconnecting")
	}

	res, err := g.read(s.br, call.Address)
	if err != nil {
		g.drop(key)
		errE := errors.WrapWith(err, ErrBackendUnavailable)
		errors.Details(errE)["backend"] = call.Address
		return nil, errE
	}
	return res, nil
}

func (g *Gateway) acquire(key slotKey) (*slot, error) {
	if s, ok := g.slots.Load(key); ok {
		return s, nil
	}
	conn, err := g.dial(key.network, key.address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &slot{conn: conn, br: bufio.NewReader(conn)}
	g.slots.Store(key, s)
	return s, nil
}

func (g *Gateway) drop(key slotKey) {
	if s, ok := g.slots.LoadAndDelete(key); ok {
		s.conn.Close()
	}
}

// Close closes every open backend connection.
func (g *Gateway) Close() {
	g.slots.Range(func(key slotKey, s *slot) bool {
		s.conn.Close()
		g.slots.Delete(key)
		return true
	})
}

// Open reports the number of open backend connections.
func (g *Gateway) Open() int {
	return g.slots.Size()
}

func (g *Gateway) read(br *bufio.Reader, backend string) (*Result, error) {
	res := &Result{}
	var head []byte
	headerDone := false

	for {
		rec, err := ReadRecord(br)
		if err != nil {
			return nil, err
		}
		if rec.RequestID != requestID {
			continue
		}
		switch rec.Type {
		case TypeStdout:
			if headerDone {
				res.Body = append(res.Body, rec.Content...)
				continue
			}
			head = append(head, rec.Content...)
			if i := bytes.Index(head, headerBoundary); i >= 0 {
				res.Body = append(res.Body, head[i+len(headerBoundary):]...)
				res.applyHeaders(head[:i])
				headerDone = true
			}
		case TypeStderr:
			if len(rec.Content) > 0 {
				g.log.Error().Str("backend", backend).Msgf("FastCGI STDERR: %s", bytes.TrimRight(rec.Content, "\r\n"))
			}
		case TypeEndRequest:
			if !headerDone {
				res.applyHeaders(head)
			}
			res.End = parseEndRequest(rec.Content)
			return res, nil
		}
	}
}

func (res *Result) applyHeaders(raw []byte) {
	var h httpmsg.Headers
	h.Parse(raw, httpmsg.Reset)
	for name, value := range h.All() {
		switch {
		case strings.EqualFold(name, "Content-Type"):
			res.MIME = value
		case strings.EqualFold(name, "Status"):
			res.Status = value
		default:
			res.Headers.Add(name, value)
		}
	}
}

// EncodeRequest builds a complete responder request: BEGIN_REQUEST with the
// keep-connection flag, the PARAMS stream and the STDIN stream.
func EncodeRequest(id uint16, params []Param, stdin []byte) []byte {
	var p []byte
	for _, kv := range params {
		p = AppendParam(p, kv.Name, kv.Value)
	}
	dst := make([]byte, 0, 3*HeaderSize+8+len(p)+len(stdin)+2*HeaderSize)
	dst, _ = (&Record{
		Type:      TypeBeginRequest,
		RequestID: id,
		Content:   []byte{0, roleResponder, flagKeepConn, 0, 0, 0, 0, 0},
	}).AppendTo(dst)
	dst = appendStream(dst, TypeParams, id, p)
	return appendStream(dst, TypeStdin, id, stdin)
}
