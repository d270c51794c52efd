package httpmsg

import (
	"bytes"
	"iter"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered, duplicate-preserving header container. Name lookups
// are case-insensitive.
type Headers struct {
	fields []Field
}

// ParseMode controls how Parse treats existing entries and duplicates.
type ParseMode uint8

const (
	// Append keeps the entries already in the container.
	Append ParseMode = 1 << iota
	// KeepFirst ignores a parsed header whose name is already present.
	KeepFirst
	// Overwrite replaces the value of a header whose name is already
	// present. KeepFirst wins when both are set.
	Overwrite
)

// Reset clears the container before parsing and keeps duplicates.
const Reset ParseMode = 0

func (h *Headers) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the first header matching name.
func (h *Headers) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value, true
	}
	return "", false
}

// Value is Get without the presence flag.
func (h *Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

func (h *Headers) Has(name string) bool {
	return h.index(name) >= 0
}

// Set replaces the value of the first match. It reports false and leaves the
// container untouched when name is absent.
func (h *Headers) Set(name, value string) bool {
	i := h.index(name)
	if i < 0 {
		return false
	}
	h.fields[i].Value = value
	return true
}

// Add appends a header without checking for an existing one.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// TryAdd appends only when name is absent. It reports whether it appended.
func (h *Headers) TryAdd(name, value string) bool {
	if h.Has(name) {
		return false
	}
	h.Add(name, value)
	return true
}

// SetOrAdd replaces the first match or appends when there is none.
func (h *Headers) SetOrAdd(name, value string) {
	if !h.Set(name, value) {
		h.Add(name, value)
	}
}

// Del removes every header matching name.
func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

func (h *Headers) Len() int { return len(h.fields) }

// All iterates the headers in order.
func (h *Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, f := range h.fields {
			if !yield(f.Name, f.Value) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	if len(h.fields) == 0 {
		return Headers{}
	}
	fields := make([]Field, len(h.fields))
	copy(fields, h.fields)
	return Headers{fields: fields}
}

// Parse reads "Name: value" lines from raw. Lines without a colon, or with a
// name that is not a valid header token, are skipped.
func (h *Headers) Parse(raw []byte, mode ParseMode) {
	if mode&Append == 0 {
		h.fields = h.fields[:0]
	}
	for len(raw) > 0 {
		var line []byte
		if eol := bytes.IndexByte(raw, '\n'); eol >= 0 {
			line, raw = raw[:eol], raw[eol+1:]
		} else {
			line, raw = raw, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		switch {
		case mode&KeepFirst != 0:
			h.TryAdd(name, value)
		case mode&Overwrite != 0:
			h.SetOrAdd(name, value)
		default:
			h.Add(name, value)
		}
	}
}

// AppendTo writes the headers in wire form, terminated by the blank line.
func (h *Headers) AppendTo(dst []byte) []byte {
	for _, f := range h.fields {
		dst = append(dst, f.Name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Value...)
		dst = append(dst, '\r', '\n')
	}
	return append(dst, '\r', '\n')
}

func (h *Headers) Serialize() []byte {
	return h.AppendTo(nil)
}

// ContainsToken reports whether any comma-separated element of the named
// header equals token, ignoring case.
func (h *Headers) ContainsToken(name, token string) bool {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return httpguts.HeaderValuesContainsToken(values, token)
}
