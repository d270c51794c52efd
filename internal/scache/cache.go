// Package scache holds fully rendered static responses keyed by request path
// and content encoding.
package scache

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
)

// ZeroETag is the ETag of a body-less entry.
const ZeroETag = `"00000000000000000000000000000000"`

// ETagOf returns the quoted uppercase hex MD5 of body, or ZeroETag for an
// empty body.
func ETagOf(body []byte) string {
	if len(body) == 0 {
		return ZeroETag
	}
	sum := md5.Sum(body)
	return `"` + strings.ToUpper(hex.EncodeToString(sum[:])) + `"`
}

// Key identifies one variant of a path. Encoding is "" for the identity
// encoding.
type Key struct {
	Path     string
	Encoding string
}

// Entry is an immutable response snapshot. Responses built from it share the
// body bytes and get their own copy of the headers.
type Entry struct {
	Status   string
	Headers  httpmsg.Headers
	Body     []byte
	MIME     string
	Encoding string
	tag      string
}

func (e *Entry) ETag() string { return e.tag }

// Snapshot captures resp as an entry. The headers are copied; the body bytes
// are shared and must not be modified afterwards.
func Snapshot(resp *httpmsg.Response, encoding string) *Entry {
	e := &Entry{
		Status:   resp.Status,
		Headers:  resp.Headers.Clone(),
		Encoding: encoding,
		tag:      ZeroETag,
	}
	if resp.Body != nil {
		e.Body = resp.Body.Data
		e.MIME = resp.Body.MIME
	}
	if tag := resp.Headers.Value("ETag"); tag != "" {
		e.tag = tag
	}
	return e
}

// Response returns a response served from e.
func (e *Entry) Response(version string) *httpmsg.Response {
	resp := &httpmsg.Response{
		Version: version,
		Status:  e.Status,
		Headers: e.Headers.Clone(),
		Cached:  e,
	}
	if e.Body != nil {
		resp.Body = &httpmsg.Body{Data: e.Body, MIME: e.MIME}
	}
	return resp
}

// Cache is safe for concurrent use. Two writers racing on one key both store
// an identical entry; the last one wins.
type Cache struct {
	entries *xsync.MapOf[Key, *Entry]
	hits    atomic.Uint64
	misses  atomic.Uint64
}

func New() *Cache {
	return &Cache{entries: xsync.NewMapOf[Key, *Entry]()}
}

func (c *Cache) Get(key Key) (*Entry, bool) {
	e, ok := c.entries.Load(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *Cache) Put(key Key, e *Entry) {
	c.entries.Store(key, e)
}

// Evict drops every variant of path and returns how many were removed.
func (c *Cache) Evict(path string) int {
	n := 0
	c.entries.Range(func(key Key, _ *Entry) bool {
		if key.Path == path {
			c.entries.Delete(key)
			n++
		}
		return true
	})
	return n
}

func (c *Cache) Len() int {
	return c.entries.Size()
}

type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
