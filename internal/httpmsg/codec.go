package httpmsg

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrMalformedRequest  = errors.Base("malformed request")
	ErrMalformedResponse = errors.Base("malformed response")
)

const (
	defaultRequestMIME  = "application/x-www-form-urlencoded"
	defaultResponseMIME = "text/html"
)

// maxHeadSize bounds the response head read from an upstream.
const maxHeadSize = 64 << 10

// ParseRequest parses a request line and header block. For a POST with a
// numeric Content-Length no larger than maxPost (0 means no limit) it
// declares a body of that length. No bytes are allocated; the caller
// supplies them with SetBody once they have been received.
func ParseRequest(raw []byte, maxPost int64) (*Request, error) {
	eol := bytes.IndexByte(raw, '\n')
	if eol < 0 {
		return nil, errors.WithStack(ErrMalformedRequest)
	}
	line := string(bytes.TrimRight(raw[:eol], "\r"))
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		errE := errors.WithStack(ErrMalformedRequest)
		errors.Details(errE)["line"] = line
		return nil, errE
	}
	path, version, ok := strings.Cut(rest, " ")
	if !ok {
		errE := errors.WithStack(ErrMalformedRequest)
		errors.Details(errE)["line"] = line
		return nil, errE
	}

	req := &Request{
		Path:    path,
		Version: strings.TrimSpace(version),
	}
	req.SetMethod(method)
	req.Headers.Parse(raw[eol+1:], Reset)

	if req.Method == MethodPost {
		if cl, ok := req.Headers.Get("Content-Length"); ok && isUnsigned(cl) {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err == nil && (maxPost <= 0 || n <= maxPost) {
				mime := req.Headers.Value("Content-Type")
				if mime == "" {
					mime = defaultRequestMIME
				}
				req.Body = &Body{MIME: mime, Length: n}
			}
		}
	}
	return req, nil
}

func isUnsigned(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// AppendTo writes the request in wire form, followed by any buffered body.
func (r *Request) AppendTo(dst []byte) []byte {
	dst = append(dst, r.MethodName()...)
	dst = append(dst, ' ')
	dst = append(dst, r.Path...)
	dst = append(dst, ' ')
	dst = append(dst, r.Version...)
	dst = append(dst, '\r', '\n')
	dst = r.Headers.AppendTo(dst)
	if r.Body != nil && !r.Body.Streamed() {
		dst = append(dst, r.Body.Data...)
	}
	return dst
}

// SetBody replaces the body with the bytes actually received and rewrites
// the framing headers to match, so the request can be forwarded as is.
func (r *Request) SetBody(data []byte) {
	mime := r.Headers.Value("Content-Type")
	if r.Body != nil && r.Body.MIME != "" {
		mime = r.Body.MIME
	}
	if mime == "" {
		mime = defaultRequestMIME
	}
	r.Body = &Body{Data: data, MIME: mime}
	r.Headers.Del("Transfer-Encoding")
	r.Headers.SetOrAdd("Content-Length", strconv.Itoa(len(data)))
}

func (r *Request) Serialize() []byte {
	return r.AppendTo(nil)
}

// AppendTo writes the response in wire form. The body is left out for HEAD
// requests and for streamed bodies, which are delivered separately.
func (r *Response) AppendTo(dst []byte, method Method) []byte {
	dst = append(dst, r.Version...)
	dst = append(dst, ' ')
	dst = append(dst, r.Status...)
	dst = append(dst, '\r', '\n')
	dst = r.Headers.AppendTo(dst)
	if method != MethodHead && r.Body != nil && !r.Body.Streamed() {
		dst = append(dst, r.Body.Data...)
	}
	return dst
}

func (r *Response) Serialize(method Method) []byte {
	return r.AppendTo(nil, method)
}

// ParseResponse parses an upstream status line and header block. A numeric
// Content-Length yields a Bounded body on upstream, any Transfer-Encoding an
// UntilClose body; chunked framing is relayed as is.
func ParseResponse(raw []byte, upstream io.Reader) (*Response, error) {
	eol := bytes.IndexByte(raw, '\n')
	if eol < 0 {
		return nil, errors.WithStack(ErrMalformedResponse)
	}
	line := string(bytes.TrimRight(raw[:eol], "\r"))
	version, status, ok := strings.Cut(line, " ")
	if !ok {
		errE := errors.WithStack(ErrMalformedResponse)
		errors.Details(errE)["line"] = line
		return nil, errE
	}

	resp := &Response{Version: version, Status: strings.TrimSpace(status)}
	resp.Headers.Parse(raw[eol+1:], Append|KeepFirst)

	mime := resp.Headers.Value("Content-Type")
	if mime == "" {
		mime = defaultResponseMIME
	}
	if cl, ok := resp.Headers.Get("Content-Length"); ok && isUnsigned(cl) {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.Body = &Body{MIME: mime, Stream: upstream, Length: n, Type: Bounded}
		}
	}
	if resp.Headers.Has("Transfer-Encoding") {
		resp.Body = &Body{MIME: mime, Stream: upstream, Type: UntilClose}
	}
	return resp, nil
}

// ReadResponse reads a response head from br and parses it. The body, if
// any, streams from br.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	var head []byte
	for {
		line, err := br.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			return nil, errors.Wrap(err, "reading response head")
		}
		head = append(head, line...)
		if len(head) > maxHeadSize {
			return nil, errors.WithStack(ErrMalformedResponse)
		}
		if err == nil && len(bytes.TrimRight(line, "\r\n")) == 0 && len(head) > len(line) {
			break
		}
	}
	return ParseResponse(head, br)
}
