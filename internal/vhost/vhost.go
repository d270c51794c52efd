// Package vhost models virtual hosts and selects one for a request.
package vhost

import (
	"net"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/mime"
	"github.com/radiosilence/nano-httpd/internal/scache"
)

var ErrInvalidAddr = errors.Base("invalid backend address")

type Kind int8

const (
	KindStatic Kind = iota
	KindProxy
	KindRedirect
	KindMount
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "htdocs"
	case KindProxy:
		return "rproxy"
	case KindRedirect:
		return "redirect"
	case KindMount:
		return "mount"
	default:
		return "unknown"
	}
}

// Site is the variant-specific part of a virtual host: one of *StaticDocs,
// *ReverseProxy, *Redirect or *Mount.
type Site interface {
	Kind() Kind
}

type VHost struct {
	ID string
	// Hosts holds normalised host names. An empty set matches every host.
	Hosts mapset.Set[string]
	Site  Site
}

// New returns a virtual host answering for hosts.
func New(id string, hosts []string, site Site) *VHost {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, h := range hosts {
		set.Add(NormalizeHost(h))
	}
	return &VHost{ID: id, Hosts: set, Site: site}
}

func (vh *VHost) CatchAll() bool {
	return vh.Hosts == nil || vh.Hosts.Cardinality() == 0
}

// Addr is a dialable backend or upstream address.
type Addr struct {
	Network string
	Address string
}

func (a Addr) String() string {
	if a.Network == "unix" {
		return "unix:" + a.Address
	}
	return a.Network + "://" + a.Address
}

// ParseAddr accepts tcp://host:port, unix:/path and bare host:port.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	switch {
	case strings.HasPrefix(s, "unix:"):
		a = Addr{Network: "unix", Address: strings.TrimPrefix(strings.TrimPrefix(s, "unix:"), "//")}
		if a.Address == "" {
			errE := errors.WithStack(ErrInvalidAddr)
			errors.Details(errE)["address"] = s
			return Addr{}, errE
		}
		return a, nil
	case strings.HasPrefix(s, "tcp://"):
		a = Addr{Network: "tcp", Address: strings.TrimPrefix(s, "tcp://")}
	default:
		a = Addr{Network: "tcp", Address: s}
	}
	if _, port, err := net.SplitHostPort(a.Address); err != nil || port == "" {
		errE := errors.WithStack(ErrInvalidAddr)
		errors.Details(errE)["address"] = s
		return Addr{}, errE
	}
	return a, nil
}

// FastCGI maps MIME types to a responder backend.
type FastCGI struct {
	Backend Addr
	MIMEs   mapset.Set[string]
}

type StaticDocs struct {
	// Root is the canonical document root.
	Root  string
	Index []string
	// Cache is nil when response caching is off.
	Cache *scache.Cache
	// MaxAge in seconds; 0 sends no Cache-Control.
	MaxAge          int
	RevalidateTypes []string
	// Containment rejects files whose real path leaves Root.
	Containment bool
	NoHardLinks bool
	// ErrorPages maps a status code prefix such as "404" or "5" to a location.
	ErrorPages map[string]string
	FastCGI    []FastCGI
	Encodings  []string
	MIME       *mime.Table
}

func (*StaticDocs) Kind() Kind { return KindStatic }

// Backend returns the first FastCGI backend mapped to mimetype.
func (s *StaticDocs) Backend(mimetype string) (Addr, bool) {
	mimetype = strings.ToLower(mimetype)
	for _, f := range s.FastCGI {
		if f.MIMEs.Contains(mimetype) {
			return f.Backend, true
		}
	}
	return Addr{}, false
}

// Revalidate reports whether mimetype is listed, exactly or as type/*, among
// the types that always get no-cache.
func (s *StaticDocs) Revalidate(mimetype string) bool {
	for _, t := range s.RevalidateTypes {
		if strings.EqualFold(t, mimetype) {
			return true
		}
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasSuffix(prefix, "/") &&
			len(mimetype) >= len(prefix) && strings.EqualFold(mimetype[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}

// CacheControl renders the Cache-Control value for mimetype, or "" when
// MaxAge is unset.
func (s *StaticDocs) CacheControl(mimetype string) string {
	if s.MaxAge <= 0 {
		return ""
	}
	v := "max-age=" + strconv.Itoa(s.MaxAge)
	if s.Revalidate(mimetype) {
		v += ", no-cache"
	}
	return v
}

// ErrorPage returns the custom page location for a status line, matching
// configured code prefixes.
func (s *StaticDocs) ErrorPage(status string) (string, bool) {
	best, bestLen := "", 0
	for prefix, location := range s.ErrorPages {
		if len(prefix) > bestLen && strings.HasPrefix(status, prefix) {
			best, bestLen = location, len(prefix)
		}
	}
	return best, bestLen > 0
}

type ReverseProxy struct {
	Upstream Addr
}

func (*ReverseProxy) Kind() Kind { return KindProxy }

type Redirect struct {
	Location string
}

func (*Redirect) Kind() Kind { return KindRedirect }

type MountPoint struct {
	Prefix string
	Target string
}

type Mount struct {
	Points []MountPoint
}

func (*Mount) Kind() Kind { return KindMount }

// Match returns the first mount point whose prefix starts path.
func (m *Mount) Match(path string) (MountPoint, bool) {
	for _, p := range m.Points {
		if strings.HasPrefix(path, p.Prefix) {
			return p, true
		}
	}
	return MountPoint{}, false
}

// Rewrite strips prefix from path, keeping a leading slash.
func Rewrite(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
