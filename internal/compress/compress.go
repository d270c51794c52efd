// Package compress encodes response bodies for clients that accept it.
package compress

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
)

const (
	Gzip   = "gzip"
	Brotli = "br"
	Zstd   = "zstd"
)

// MinSize is the largest body left uncompressed.
const MinSize = 1024

var ErrCodec = errors.Base("compression failed")

// DefaultEncodings is used when a site does not list its own.
var DefaultEncodings = []string{Gzip}

var preference = map[string]int{
	Gzip:   1,
	Brotli: 2,
	Zstd:   3,
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &Buffer{}
	},
}

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// Known reports whether enc is an encoding this package can produce.
func Known(enc string) bool {
	_, ok := preference[enc]
	return ok
}

// Negotiate picks the preferred encoding among allowed that the client's
// Accept-Encoding value admits, or "" for none. gzip is admitted whenever
// the header mentions it; br and zstd need a token with a non-zero q.
func Negotiate(acceptEncoding string, allowed []string) string {
	best, rank := "", 0
	for _, enc := range allowed {
		if r := preference[enc]; r > rank && accepts(acceptEncoding, enc) {
			best, rank = enc, r
		}
	}
	return best
}

func accepts(acceptEncoding, enc string) bool {
	if enc == Gzip {
		return strings.Contains(strings.ToLower(acceptEncoding), Gzip)
	}
	for part := range strings.SplitSeq(acceptEncoding, ",") {
		token, params, _ := strings.Cut(part, ";")
		if strings.EqualFold(strings.TrimSpace(token), enc) {
			return !refused(params)
		}
	}
	return false
}

func refused(params string) bool {
	for param := range strings.SplitSeq(params, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(name, "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err == nil && q == 0
	}
	return false
}

// Eligible reports whether resp may be encoded: a buffered body larger than
// MinSize with no Content-Encoding yet.
func Eligible(resp *httpmsg.Response) bool {
	return resp.Body != nil &&
		!resp.Body.Streamed() &&
		len(resp.Body.Data) > MinSize &&
		!resp.Headers.Has("Content-Encoding")
}

// Apply replaces resp's body with its enc encoding and sets Content-Encoding
// and Vary. On error resp is left untouched.
func Apply(resp *httpmsg.Response, enc string) error {
	encoded, err := Encode(enc, resp.Body.Data)
	if err != nil {
		return err
	}
	resp.Body.Data = encoded
	resp.Headers.Add("Content-Encoding", enc)
	resp.Headers.Add("Vary", "Accept-Encoding")
	return nil
}

// Encode compresses data with enc.
func Encode(enc string, data []byte) ([]byte, error) {
	if enc == Zstd {
		encoder, err := zstdEncoder()
		if err != nil {
			return nil, errors.WrapWith(err, ErrCodec)
		}
		return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}

	buffer := bufferPool.Get().(*Buffer)
	defer func() {
		buffer.Reset()
		bufferPool.Put(buffer)
	}()

	var writer io.WriteCloser
	switch enc {
	case Gzip:
		w, err := gzip.NewWriterLevel(buffer, gzip.DefaultCompression)
		if err != nil {
			return nil, errors.WrapWith(err, ErrCodec)
		}
		writer = w
	case Brotli:
		writer = brotli.NewWriter(buffer)
	default:
		errE := errors.WithStack(ErrCodec)
		errors.Details(errE)["encoding"] = enc
		return nil, errE
	}

	if _, err := writer.Write(data); err != nil {
		return nil, errors.WrapWith(err, ErrCodec)
	}
	if err := writer.Close(); err != nil {
		return nil, errors.WrapWith(err, ErrCodec)
	}

	result := make([]byte, buffer.Len())
	copy(result, buffer.Bytes())
	return result, nil
}
