package fcgi

import (
	"encoding/binary"

	"gitlab.com/tozd/go/errors"
)

// Param is a name/value pair carried in PARAMS records.
type Param struct {
	Name  string
	Value string
}

// AppendParam encodes a name/value pair. Lengths above 127 use the 4-byte
// form with the high bit set.
func AppendParam(dst []byte, name, value string) []byte {
	dst = appendSize(dst, len(name))
	dst = appendSize(dst, len(value))
	dst = append(dst, name...)
	return append(dst, value...)
}

func appendSize(dst []byte, n int) []byte {
	if n <= 127 {
		return append(dst, byte(n))
	}
	return binary.BigEndian.AppendUint32(dst, uint32(n)|1<<31)
}

func readSize(b []byte) (int, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(b) &^ (1 << 31)), 4, true
}

// DecodeParams decodes a complete PARAMS stream.
func DecodeParams(b []byte) ([]Param, error) {
	var params []Param
	for len(b) > 0 {
		nl, n, ok := readSize(b)
		if !ok {
			return nil, errors.WithStack(ErrProtocol)
		}
		b = b[n:]
		vl, n, ok := readSize(b)
		if !ok {
			return nil, errors.WithStack(ErrProtocol)
		}
		b = b[n:]
		if nl+vl > len(b) {
			errE := errors.WithStack(ErrProtocol)
			errors.Details(errE)["name_length"] = nl
			errors.Details(errE)["value_length"] = vl
			return nil, errE
		}
		params = append(params, Param{Name: string(b[:nl]), Value: string(b[nl : nl+vl])})
		b = b[nl+vl:]
	}
	return params, nil
}
