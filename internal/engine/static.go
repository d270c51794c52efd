package engine

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/radiosilence/nano-httpd/internal/compress"
	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/scache"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

// target is a request path resolved against a document root.
type target struct {
	// real is the filesystem path of the file or directory named by the
	// request, up to the first segment that is not a directory.
	real string
	// extra is everything after that segment, for PATH_INFO.
	extra string
	dir   bool
}

// fsError wraps a filesystem error with the sentinel for its errno class.
func fsError(err error, p string) error {
	var errE errors.E
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR):
		errE = errors.WrapWith(err, ErrNotFound)
	case errors.Is(err, unix.EACCES):
		errE = errors.WrapWith(err, ErrForbidden)
	default:
		errE = errors.WrapWith(err, ErrInternal)
	}
	errors.Details(errE)["path"] = p
	return errE
}

// splitQuery cuts a request path at its query or fragment.
func splitQuery(p string) (string, string) {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i], p[i:]
	}
	return p, ""
}

// walk resolves urlPath under root segment by segment. The first segment
// that is not a directory ends the real path; the rest is extra path.
func walk(root, urlPath string) (target, error) {
	if decoded, err := url.PathUnescape(urlPath); err == nil {
		urlPath = decoded
	}
	urlPath = path.Clean("/" + urlPath)

	t := target{real: root, dir: true}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == "" {
			continue
		}
		if !t.dir {
			t.extra += "/" + seg
			continue
		}
		t.real = filepath.Join(t.real, seg)
		var st unix.Stat_t
		if err := unix.Stat(t.real, &st); err != nil {
			return t, fsError(err, t.real)
		}
		t.dir = st.Mode&unix.S_IFMT == unix.S_IFDIR
	}
	return t, nil
}

// index returns the first readable index file in dir.
func index(dir string, names []string) (string, bool) {
	if unix.Access(dir, unix.R_OK) != nil {
		return "", false
	}
	for _, name := range names {
		candidate := filepath.Join(dir, name)
		if unix.Access(candidate, unix.R_OK) == nil {
			return candidate, true
		}
	}
	return "", false
}

// fail answers with the error page for err, logging internal errors.
func (x *exchange) fail(err error, site *vhost.StaticDocs) {
	code, message := statusOf(err)
	if code == fasthttp.StatusInternalServerError {
		x.log.Error().Err(err).Str("vhost", x.req.VHost).Str("path", x.req.Path).Msg("error serving request")
	}
	errorPage(x.resp, code, message, site)
}

func (x *exchange) static(site *vhost.StaticDocs) {
	encodings := site.Encodings
	if len(encodings) == 0 {
		encodings = compress.DefaultEncodings
	}
	enc := compress.Negotiate(x.req.Headers.Value("Accept-Encoding"), encodings)
	key := scache.Key{Path: x.req.Path, Encoding: enc}

	if site.Cache != nil {
		if entry, ok := site.Cache.Get(key); ok {
			x.resp = entry.Response(x.req.Version)
			x.req.AlreadyCached = true
			if x.resp.Success() && x.resp.Body.Len() > 0 && entry.ETag() == x.req.Headers.Value("If-None-Match") {
				x.resp.SetStatus(fasthttp.StatusNotModified)
				x.resp.Body = nil
			}
			return
		}
	}

	if !strings.HasPrefix(x.req.Path, "/") {
		errorPage(x.resp, fasthttp.StatusInternalServerError, msgMalformed, site)
		return
	}

	isStatic, ok := x.resolve(site)
	// Other encodings of a path that no longer resolves are stale.
	if site.Cache != nil && x.resp.Code() >= fasthttp.StatusBadRequest {
		if n := site.Cache.Evict(x.req.Path); n > 0 {
			x.log.Debug().Str("path", x.req.Path).Int("entries", n).Msg("evicted stale cache entries")
		}
	}
	if !ok {
		return
	}

	notModified := false
	if x.resp.Success() && x.resp.Body != nil && len(x.resp.Body.Data) > 0 {
		tag := scache.ETagOf(x.resp.Body.Data)
		x.resp.Headers.Add("ETag", tag)
		notModified = tag == x.req.Headers.Value("If-None-Match")
		if notModified && !isStatic {
			x.resp.SetStatus(fasthttp.StatusNotModified)
			x.resp.Body = nil
		}
	}

	if enc != "" && compress.Eligible(x.resp) {
		if err := compress.Apply(x.resp, enc); err != nil {
			x.log.Warn().Err(err).Str("path", x.req.Path).Str("encoding", enc).Msg("compression failed, sending identity body")
		}
	}

	if isStatic && site.Cache != nil && x.resp.Success() {
		x.frame()
		applied := x.resp.Headers.Value("Content-Encoding")
		entry := scache.Snapshot(x.resp, applied)
		site.Cache.Put(key, entry)
		x.resp.Cached = entry
		x.req.AlreadyCached = true
	}
	if notModified && isStatic {
		x.resp.SetStatus(fasthttp.StatusNotModified)
		x.resp.Body = nil
	}
}

// resolve maps the request onto the document root and fills the response.
// It reports whether the body is a direct file read, and false in ok when
// the response is already final.
func (x *exchange) resolve(site *vhost.StaticDocs) (isStatic, ok bool) {
	urlPath, suffix := splitQuery(x.req.Path)

	t, err := walk(site.Root, urlPath)
	if err != nil {
		x.fail(err, site)
		return false, true
	}

	if t.dir {
		file, found := index(t.real, site.Index)
		if !strings.HasSuffix(urlPath, "/") {
			x.resp.SetStatus(fasthttp.StatusFound)
			x.resp.Headers.Add("Location", x.req.Prefix+urlPath+"/"+suffix)
			return false, false
		}
		if !found {
			x.fail(errors.WithStack(ErrNotFound), site)
			return false, true
		}
		t.real = file
	}

	canonical, err := filepath.EvalSymlinks(t.real)
	if err != nil {
		x.fail(fsError(err, t.real), site)
		return false, true
	}
	var st unix.Stat_t
	if err := unix.Stat(canonical, &st); err != nil {
		x.fail(errors.WrapWith(err, ErrInternal), site)
		return false, true
	}
	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	if site.Containment && !within(site.Root, canonical) {
		x.log.Warn().Str("vhost", x.req.VHost).Str("path", canonical).Msg("file outside document root")
		x.fail(errors.WithStack(ErrForbidden), site)
		return false, true
	}
	if site.NoHardLinks && st.Nlink != 1 && !isDir {
		x.fail(errors.WithStack(ErrForbidden), site)
		return false, true
	}

	mimetype := site.MIME.Lookup(canonical)
	if cc := site.CacheControl(mimetype); cc != "" {
		x.resp.Headers.Add("Cache-Control", cc)
	}

	if backend, ok := site.Backend(mimetype); ok {
		x.fastcgi(site, backend, canonical, t.extra)
		return false, true
	}

	data, err := os.ReadFile(canonical)
	if err != nil {
		x.fail(errors.WrapWith(err, ErrInternal), site)
		return false, true
	}
	x.resp.Body = &httpmsg.Body{Data: data, MIME: mimetype}
	return true, true
}

// within reports whether the canonical path p lies at or below root.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
