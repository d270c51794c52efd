// Package fcgi speaks the FastCGI record protocol as a web server talking to
// responder applications. See https://fastcgi-archives.github.io/FastCGI_Specification.html
package fcgi

import (
	"encoding/binary"
	"io"

	"gitlab.com/tozd/go/errors"
)

// Record = header(8) + content[0..65535] + padding[0..255]
// header = version(1) + type(1) + requestId(2) + contentLength(2) + paddingLength(1) + reserved(1)

const (
	HeaderSize = 8
	MaxContent = 65535
	Version1   = 1
)

type RecordType uint8

const (
	TypeBeginRequest RecordType = iota + 1
	TypeAbortRequest
	TypeEndRequest
	TypeParams
	TypeStdin
	TypeStdout
	TypeStderr
	TypeData
	TypeGetValues
	TypeGetValuesResult
	TypeUnknown
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	default:
		return "UNKNOWN_TYPE"
	}
}

const (
	roleResponder = 1
	flagKeepConn  = 1
)

var (
	ErrProtocol      = errors.Base("fastcgi protocol error")
	ErrContentTooBig = errors.Base("fastcgi record content exceeds 65535 bytes")
)

// Record is one FastCGI frame. Padding is never kept: it is discarded on
// read and written as zero bytes.
type Record struct {
	Type      RecordType
	RequestID uint16
	Content   []byte
}

// AppendTo encodes rec onto dst with no padding.
func (rec *Record) AppendTo(dst []byte) ([]byte, error) {
	if len(rec.Content) > MaxContent {
		return dst, errors.WithStack(ErrContentTooBig)
	}
	var h [HeaderSize]byte
	h[0] = Version1
	h[1] = byte(rec.Type)
	binary.BigEndian.PutUint16(h[2:4], rec.RequestID)
	binary.BigEndian.PutUint16(h[4:6], uint16(len(rec.Content)))
	dst = append(dst, h[:]...)
	return append(dst, rec.Content...), nil
}

// WriteRecord writes a single record to w.
func WriteRecord(w io.Writer, rec *Record) error {
	buf, err := rec.AppendTo(make([]byte, 0, HeaderSize+len(rec.Content)))
	if err != nil {
		return err
	}
	return writeFull(w, buf)
}

// ReadRecord reads a single record from r, discarding its padding.
func ReadRecord(r io.Reader) (*Record, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	if h[0] != Version1 {
		errE := errors.WithStack(ErrProtocol)
		errors.Details(errE)["version"] = h[0]
		return nil, errE
	}
	rec := &Record{
		Type:      RecordType(h[1]),
		RequestID: binary.BigEndian.Uint16(h[2:4]),
	}
	n := int(binary.BigEndian.Uint16(h[4:6]))
	padding := int64(h[6])

	rec.Content = make([]byte, n)
	if _, err := io.ReadFull(r, rec.Content); err != nil {
		return nil, errors.WithStack(err)
	}
	if padding > 0 {
		if _, err := io.CopyN(io.Discard, r, padding); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return rec, nil
}

// writeFull loops over short writes. A zero-byte write is a lost connection.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return errors.WithStack(err)
		}
		if n == 0 {
			return errors.WithStack(io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}

// appendStream splits data into records of at most MaxContent bytes and
// closes the stream with an empty record.
func appendStream(dst []byte, t RecordType, id uint16, data []byte) []byte {
	for len(data) > 0 {
		n := min(len(data), MaxContent)
		dst, _ = (&Record{Type: t, RequestID: id, Content: data[:n]}).AppendTo(dst)
		data = data[n:]
	}
	dst, _ = (&Record{Type: t, RequestID: id}).AppendTo(dst)
	return dst
}

// EndRequest is the body of an END_REQUEST record.
type EndRequest struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

func parseEndRequest(content []byte) EndRequest {
	if len(content) < 5 {
		return EndRequest{}
	}
	return EndRequest{
		AppStatus:      binary.BigEndian.Uint32(content[:4]),
		ProtocolStatus: content[4],
	}
}
