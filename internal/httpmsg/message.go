package httpmsg

import (
	"io"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodHead
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	default:
		return "UNKNOWN"
	}
}

func parseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "HEAD":
		return MethodHead
	default:
		return MethodUnknown
	}
}

// StreamType tells how a Body's bytes are delivered.
type StreamType int8

const (
	// Buffered bodies carry their bytes in Data.
	Buffered StreamType = iota
	// Bounded bodies are read from Stream up to Length bytes.
	Bounded
	// UntilClose bodies are read from Stream until it reports EOF.
	UntilClose
)

// Body is either a materialized buffer or a handle onto an upstream stream.
// A nil *Body means "no body"; a Body with empty Data is a zero-length body.
type Body struct {
	Data   []byte
	MIME   string
	Stream io.Reader
	// Length is the stream length. On a Buffered body it is the declared
	// size of bytes not received yet.
	Length int64
	Type   StreamType
}

// Len returns the declared length of the body.
func (b *Body) Len() int64 {
	if b == nil {
		return 0
	}
	if b.Type == Buffered && b.Length == 0 {
		return int64(len(b.Data))
	}
	return b.Length
}

func (b *Body) Streamed() bool {
	return b != nil && b.Type != Buffered
}

type Request struct {
	Method  Method
	Path    string
	Version string
	Headers Headers
	Body    *Body

	// VHost is the id of the virtual host the request is currently routed to.
	VHost string
	// Prefix collects the mount prefixes stripped from Path.
	Prefix string
	// AlreadyCached suppresses Content-Type/Content-Length injection.
	AlreadyCached bool

	rawMethod string
}

// MethodName returns the method token as received.
func (r *Request) MethodName() string {
	if r.rawMethod != "" {
		return r.rawMethod
	}
	return r.Method.String()
}

// SetMethod sets both the method variant and its wire token.
func (r *Request) SetMethod(name string) {
	r.rawMethod = name
	r.Method = parseMethod(name)
}

// CacheRef is the cache entry a response was served from or stored into.
type CacheRef interface {
	ETag() string
}

type Response struct {
	Version string
	Status  string
	Headers Headers
	Body    *Body

	Cached CacheRef
}

func NewResponse(version string) *Response {
	return &Response{Version: version, Status: StatusLine(fasthttp.StatusOK)}
}

// StatusLine renders a status code as "200 OK".
func StatusLine(code int) string {
	return strconv.Itoa(code) + " " + fasthttp.StatusMessage(code)
}

// Code returns the numeric status, or 0 when Status does not start with one.
func (r *Response) Code() int {
	s, _, _ := strings.Cut(r.Status, " ")
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return code
}

// SetStatus sets the status line from a code.
func (r *Response) SetStatus(code int) {
	r.Status = StatusLine(code)
}

func (r *Response) Success() bool {
	return strings.HasPrefix(r.Status, "2")
}
