// Package config loads the JSON site configuration and builds the virtual
// host router from it.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/compress"
	"github.com/radiosilence/nano-httpd/internal/mime"
	"github.com/radiosilence/nano-httpd/internal/scache"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

var ErrInvalid = errors.Base("invalid configuration")

const (
	DefaultPort        = 80
	DefaultWorkers     = 128
	DefaultMaxPostSize = 16 << 20
)

var DefaultIndex = []string{"index.html", "index.htm"}

var decoder = sonic.Config{DisallowUnknownFields: true}.Froze()

type Server struct {
	Port    int `json:"port"`
	Workers int `json:"workers"`
	// MaxPostSize bounds POST bodies in bytes. 0 means no limit.
	MaxPostSize int64 `json:"max_post_size"`
}

// File is the on-disk configuration document.
type File struct {
	Server    Server            `json:"server"`
	MIMETypes map[string]string `json:"mime_types"`
	VHosts    []VHost           `json:"vhosts"`
}

type VHost struct {
	ID       string    `json:"id"`
	Hosts    []string  `json:"hosts"`
	Type     string    `json:"type"`
	HTDocs   *HTDocs   `json:"htdocs"`
	RProxy   *RProxy   `json:"rproxy"`
	Redirect *Redirect `json:"redirect"`
	Mount    *Mount    `json:"mount"`
}

type HTDocs struct {
	Root  string   `json:"root"`
	Index []string `json:"index"`
	// Cache and Symlock default to true when omitted.
	Cache           *bool             `json:"cache"`
	MaxAge          int               `json:"max_age"`
	RevalidateTypes []string          `json:"revalidate_types"`
	Symlock         *bool             `json:"symlock"`
	NoHardLinks     bool              `json:"no_hardlinks"`
	ErrorPages      map[string]string `json:"error_pages"`
	FastCGI         []FastCGI         `json:"fcgi"`
	Encodings       []string          `json:"encodings"`
}

type FastCGI struct {
	Address string   `json:"address"`
	MIMEs   []string `json:"mimes"`
}

type RProxy struct {
	Upstream string `json:"upstream"`
}

type Redirect struct {
	Location string `json:"location"`
}

type Mount struct {
	Mounts []MountPoint `json:"mounts"`
}

type MountPoint struct {
	Prefix string `json:"prefix"`
	VHost  string `json:"vhost"`
}

// Site is a loaded configuration, ready to serve.
type Site struct {
	Server Server
	Router *vhost.Router
	caches []*scache.Cache
}

// CacheStats sums the counters of every static cache in the site.
func (s *Site) CacheStats() scache.Stats {
	var total scache.Stats
	for _, c := range s.caches {
		st := c.Stats()
		total.Entries += st.Entries
		total.Hits += st.Hits
		total.Misses += st.Misses
	}
	return total
}

// Load reads and builds the configuration at path. Relative document roots
// are resolved against the directory holding the file.
func Load(path string) (*Site, errors.E) {
	data, err := os.ReadFile(path)
	if err != nil {
		errE := errors.WrapWith(err, ErrInvalid)
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	site, errE := Parse(data, filepath.Dir(path))
	if errE != nil {
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	return site, nil
}

// Parse decodes a configuration document and builds it against base.
func Parse(data []byte, base string) (*Site, errors.E) {
	var f File
	if err := decoder.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapWith(err, ErrInvalid)
	}
	return f.Build(base)
}

// Static builds the zero-configuration site: one catch-all static vhost
// serving dir with caching on.
func Static(dir string) (*Site, errors.E) {
	f := File{VHosts: []VHost{{
		ID:     "default",
		Type:   vhost.KindStatic.String(),
		HTDocs: &HTDocs{Root: dir},
	}}}
	return f.Build(".")
}

// Build validates f and constructs its virtual hosts.
func (f *File) Build(base string) (*Site, errors.E) {
	site := &Site{Server: f.Server}
	if site.Server.Port == 0 {
		site.Server.Port = DefaultPort
	}
	if site.Server.Workers == 0 {
		site.Server.Workers = DefaultWorkers
	}
	if site.Server.MaxPostSize == 0 {
		site.Server.MaxPostSize = DefaultMaxPostSize
	}
	if site.Server.Port < 0 || site.Server.Port > 65535 {
		errE := invalid("", "port out of range")
		errors.Details(errE)["port"] = site.Server.Port
		return nil, errE
	}
	if site.Server.Workers < 0 || site.Server.MaxPostSize < 0 {
		return nil, invalid("", "workers and max_post_size must not be negative")
	}
	if len(f.VHosts) == 0 {
		return nil, invalid("", "no virtual hosts configured")
	}

	types := mime.NewTable(f.MIMETypes)
	hosts := make([]*vhost.VHost, 0, len(f.VHosts))
	for i := range f.VHosts {
		v := &f.VHosts[i]
		s, errE := v.build(base, types)
		if errE != nil {
			return nil, errE
		}
		if docs, ok := s.(*vhost.StaticDocs); ok && docs.Cache != nil {
			site.caches = append(site.caches, docs.Cache)
		}
		hosts = append(hosts, vhost.New(v.ID, v.Hosts, s))
	}

	router, err := vhost.NewRouter(hosts)
	if err != nil {
		return nil, errors.Errorf("%w: %w", ErrInvalid, err)
	}
	site.Router = router
	return site, nil
}

func (v *VHost) build(base string, types *mime.Table) (vhost.Site, errors.E) {
	switch strings.ToLower(v.Type) {
	case vhost.KindStatic.String():
		if v.HTDocs == nil {
			return nil, invalid(v.ID, "missing htdocs section")
		}
		docs, errE := v.HTDocs.build(v.ID, base, types)
		if errE != nil {
			return nil, errE
		}
		return docs, nil

	case vhost.KindProxy.String():
		if v.RProxy == nil || v.RProxy.Upstream == "" {
			return nil, invalid(v.ID, "missing rproxy upstream")
		}
		addr, err := vhost.ParseAddr(v.RProxy.Upstream)
		if err != nil {
			errE := errors.WrapWith(err, ErrInvalid)
			errors.Details(errE)["vhost"] = v.ID
			return nil, errE
		}
		return &vhost.ReverseProxy{Upstream: addr}, nil

	case vhost.KindRedirect.String():
		if v.Redirect == nil || v.Redirect.Location == "" {
			return nil, invalid(v.ID, "missing redirect location")
		}
		return &vhost.Redirect{Location: v.Redirect.Location}, nil

	case vhost.KindMount.String():
		if v.Mount == nil || len(v.Mount.Mounts) == 0 {
			return nil, invalid(v.ID, "missing mount points")
		}
		m := &vhost.Mount{Points: make([]vhost.MountPoint, 0, len(v.Mount.Mounts))}
		for _, p := range v.Mount.Mounts {
			if !strings.HasPrefix(p.Prefix, "/") {
				errE := invalid(v.ID, "mount prefix must start with /")
				errors.Details(errE)["prefix"] = p.Prefix
				return nil, errE
			}
			m.Points = append(m.Points, vhost.MountPoint{Prefix: p.Prefix, Target: p.VHost})
		}
		return m, nil

	default:
		errE := invalid(v.ID, "unknown vhost type")
		errors.Details(errE)["type"] = v.Type
		return nil, errE
	}
}

func (h *HTDocs) build(id, base string, types *mime.Table) (*vhost.StaticDocs, errors.E) {
	root, errE := canonicalRoot(h.Root, base)
	if errE != nil {
		errors.Details(errE)["vhost"] = id
		return nil, errE
	}

	docs := &vhost.StaticDocs{
		Root:            root,
		Index:           h.Index,
		MaxAge:          h.MaxAge,
		RevalidateTypes: h.RevalidateTypes,
		Containment:     h.Symlock == nil || *h.Symlock,
		NoHardLinks:     h.NoHardLinks,
		ErrorPages:      h.ErrorPages,
		Encodings:       h.Encodings,
		MIME:            types,
	}
	if len(docs.Index) == 0 {
		docs.Index = DefaultIndex
	}
	if h.Cache == nil || *h.Cache {
		docs.Cache = scache.New()
	}
	if h.MaxAge < 0 {
		return nil, invalid(id, "max_age must not be negative")
	}
	for _, enc := range h.Encodings {
		if !compress.Known(enc) {
			errE := invalid(id, "unknown encoding")
			errors.Details(errE)["encoding"] = enc
			return nil, errE
		}
	}

	for _, f := range h.FastCGI {
		addr, err := vhost.ParseAddr(f.Address)
		if err != nil {
			errE := errors.WrapWith(err, ErrInvalid)
			errors.Details(errE)["vhost"] = id
			return nil, errE
		}
		mimes := mapset.NewThreadUnsafeSet[string]()
		for _, m := range f.MIMEs {
			mimes.Add(strings.ToLower(strings.TrimSpace(m)))
		}
		if mimes.Cardinality() == 0 {
			errE := invalid(id, "fcgi backend maps no MIME types")
			errors.Details(errE)["backend"] = f.Address
			return nil, errE
		}
		docs.FastCGI = append(docs.FastCGI, vhost.FastCGI{Backend: addr, MIMEs: mimes})
	}
	return docs, nil
}

// canonicalRoot resolves root against base and through symlinks. It must
// name a directory.
func canonicalRoot(root, base string) (string, errors.E) {
	if root == "" {
		return "", invalid("", "missing document root")
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.WrapWith(err, ErrInvalid)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		errE := errors.WrapWith(err, ErrInvalid)
		errors.Details(errE)["root"] = root
		return "", errE
	}
	info, err := os.Stat(canonical)
	if err != nil {
		errE := errors.WrapWith(err, ErrInvalid)
		errors.Details(errE)["root"] = canonical
		return "", errE
	}
	if !info.IsDir() {
		errE := invalid("", "document root is not a directory")
		errors.Details(errE)["root"] = canonical
		return "", errE
	}
	return canonical, nil
}

func invalid(id, msg string) errors.E {
	errE := errors.Errorf("%w: %s", ErrInvalid, msg)
	if id != "" {
		errors.Details(errE)["vhost"] = id
	}
	return errE
}
