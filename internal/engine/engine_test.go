package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/scache"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

// newSite writes files under a fresh document root.
func newSite(t *testing.T, files map[string]string) *vhost.StaticDocs {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	return &vhost.StaticDocs{
		Root:        root,
		Index:       []string{"index.html", "index.htm"},
		Cache:       scache.New(),
		Containment: true,
	}
}

func newEngine(t *testing.T, hosts ...*vhost.VHost) *Engine {
	t.Helper()
	router, err := vhost.NewRouter(hosts)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return New(router, Options{Software: "nano-httpd/test", Port: 8080, Logger: zerolog.Nop()})
}

func request(method, path string, headers ...string) *httpmsg.Request {
	req := &httpmsg.Request{Path: path, Version: "HTTP/1.1"}
	req.SetMethod(method)
	req.Headers.Add("Host", "example.com")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Headers.Add(headers[i], headers[i+1])
	}
	return req
}

func get(path string, headers ...string) *httpmsg.Request {
	return request("GET", path, headers...)
}

func testClient() *Client {
	return &Client{Log: zerolog.Nop()}
}

func body(resp *httpmsg.Response) string {
	if resp.Body == nil {
		return ""
	}
	return string(resp.Body.Data)
}

func TestStaticServe(t *testing.T) {
	site := newSite(t, map[string]string{"hello.txt": "hello world"})
	e := newEngine(t, vhost.New("main", nil, site))

	resp := e.Handle(get("/hello.txt"), testClient())
	if resp.Status != "200 OK" {
		t.Fatalf("Status = %q, want 200 OK", resp.Status)
	}
	if body(resp) != "hello world" {
		t.Errorf("body = %q, want %q", body(resp), "hello world")
	}

	want := map[string]string{
		"Server":         "nano-httpd/test",
		"Connection":     "keep-alive",
		"Content-Type":   "text/plain",
		"Content-Length": "11",
		"ETag":           scache.ETagOf([]byte("hello world")),
	}
	for name, value := range want {
		if got := resp.Headers.Value(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
	if resp.Cached == nil || site.Cache.Len() != 1 {
		t.Errorf("response was not cached (Cached = %v, Len() = %d)", resp.Cached, site.Cache.Len())
	}
}

func TestETagStability(t *testing.T) {
	site := newSite(t, map[string]string{"a.txt": "version one"})
	site.Cache = nil
	e := newEngine(t, vhost.New("main", nil, site))

	first := e.Handle(get("/a.txt"), testClient()).Headers.Value("ETag")
	second := e.Handle(get("/a.txt"), testClient()).Headers.Value("ETag")
	if first == "" || first != second {
		t.Errorf("ETag changed between identical reads: %q, %q", first, second)
	}

	if err := os.WriteFile(filepath.Join(site.Root, "a.txt"), []byte("version onf"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	third := e.Handle(get("/a.txt"), testClient()).Headers.Value("ETag")
	if third == first {
		t.Errorf("ETag did not change with content: %q", third)
	}
	if len(third) != 34 || third[0] != '"' || strings.ToUpper(third) != third {
		t.Errorf("ETag = %q, want quoted uppercase hex", third)
	}
}

func TestDirectoryRedirect(t *testing.T) {
	site := newSite(t, map[string]string{
		"dir/index.html": "<h1>dir</h1>",
		"empty/.keep":    "",
	})
	e := newEngine(t, vhost.New("main", nil, site))

	tests := []struct {
		path         string
		wantStatus   string
		wantLocation string
		wantBody     string
	}{
		{"/dir", "302 Found", "/dir/", ""},
		{"/dir?x=1", "302 Found", "/dir/?x=1", ""},
		{"/dir#top", "302 Found", "/dir/#top", ""},
		{"/dir/", "200 OK", "", "<h1>dir</h1>"},
		{"/dir/?x=1", "200 OK", "", "<h1>dir</h1>"},
		{"/empty", "302 Found", "/empty/", ""},
		{"/empty/", "404 Not Found", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := e.Handle(get(tt.path), testClient())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if got := resp.Headers.Value("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			if tt.wantBody != "" && body(resp) != tt.wantBody {
				t.Errorf("body = %q, want %q", body(resp), tt.wantBody)
			}
		})
	}
}

func TestConditionalRequest(t *testing.T) {
	site := newSite(t, map[string]string{"page.html": "<p>cached</p>"})
	e := newEngine(t, vhost.New("main", nil, site))

	first := e.Handle(get("/page.html"), testClient())
	tag := first.Headers.Value("ETag")
	if tag == "" {
		t.Fatalf("first response has no ETag")
	}

	resp := e.Handle(get("/page.html", "If-None-Match", tag), testClient())
	if resp.Status != "304 Not Modified" {
		t.Errorf("Status = %q, want 304 Not Modified", resp.Status)
	}
	if resp.Body != nil {
		t.Errorf("304 carries a body: %q", resp.Body.Data)
	}

	entry, ok := site.Cache.Get(scache.Key{Path: "/page.html"})
	if !ok {
		t.Fatalf("cache entry missing")
	}
	if entry.Status != "200 OK" || string(entry.Body) != "<p>cached</p>" || entry.ETag() != tag {
		t.Errorf("cache entry changed: %q %q %q", entry.Status, entry.Body, entry.ETag())
	}

	resp = e.Handle(get("/page.html", "If-None-Match", `"OTHER"`), testClient())
	if resp.Status != "200 OK" || body(resp) != "<p>cached</p>" {
		t.Errorf("mismatched If-None-Match = %q %q, want full response", resp.Status, body(resp))
	}
}

func TestConditionalRequestFirstMiss(t *testing.T) {
	site := newSite(t, map[string]string{"page.html": "<p>fresh</p>"})
	e := newEngine(t, vhost.New("main", nil, site))
	tag := scache.ETagOf([]byte("<p>fresh</p>"))

	resp := e.Handle(get("/page.html", "If-None-Match", tag), testClient())
	if resp.Status != "304 Not Modified" || resp.Body != nil {
		t.Errorf("Handle() = %q with body %v, want 304 without body", resp.Status, resp.Body)
	}
	entry, ok := site.Cache.Get(scache.Key{Path: "/page.html"})
	if !ok || entry.Status != "200 OK" || string(entry.Body) != "<p>fresh</p>" {
		t.Errorf("cache holds %v, want the 200 response", entry)
	}
}

func TestCacheIdempotence(t *testing.T) {
	site := newSite(t, map[string]string{"big.txt": strings.Repeat("idempotent ", 500)})
	e := newEngine(t, vhost.New("main", nil, site))

	const n = 8
	bodies := make([][]byte, n)
	tags := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := e.Handle(get("/big.txt", "Accept-Encoding", "gzip"), &Client{Worker: i, Log: zerolog.Nop()})
			bodies[i] = resp.Body.Data
			tags[i] = resp.Headers.Value("ETag")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Errorf("body %d differs from body 0", i)
		}
		if tags[i] != tags[0] {
			t.Errorf("ETag %d = %q, want %q", i, tags[i], tags[0])
		}
	}
	if site.Cache.Len() != 1 {
		t.Errorf("Cache.Len() = %d, want 1", site.Cache.Len())
	}
}

func TestGzipThreshold(t *testing.T) {
	large := strings.Repeat("z", 1025)
	site := newSite(t, map[string]string{
		"large.txt": large,
		"small.txt": strings.Repeat("z", 1000),
	})
	e := newEngine(t, vhost.New("main", nil, site))

	resp := e.Handle(get("/large.txt", "Accept-Encoding", "gzip, deflate"), testClient())
	if resp.Headers.Value("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", resp.Headers.Value("Content-Encoding"))
	}
	if resp.Headers.Value("Vary") != "Accept-Encoding" {
		t.Errorf("Vary = %q, want Accept-Encoding", resp.Headers.Value("Vary"))
	}
	zr, err := gzip.NewReader(bytes.NewReader(resp.Body.Data))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(plain) != large {
		t.Errorf("decompressed body differs from file")
	}
	if got := resp.Headers.Value("Content-Length"); got != strconv.Itoa(len(resp.Body.Data)) {
		t.Errorf("Content-Length = %q, want compressed length %d", got, len(resp.Body.Data))
	}

	resp = e.Handle(get("/small.txt", "Accept-Encoding", "gzip"), testClient())
	if resp.Headers.Has("Content-Encoding") || len(resp.Body.Data) != 1000 {
		t.Errorf("1000-byte body was compressed")
	}

	resp = e.Handle(get("/large.txt"), testClient())
	if resp.Headers.Has("Content-Encoding") || body(resp) != large {
		t.Errorf("identity request got an encoded body")
	}
	if site.Cache.Len() != 3 {
		t.Errorf("Cache.Len() = %d, want 3 variants", site.Cache.Len())
	}
}

func TestStaleVariantsEvicted(t *testing.T) {
	site := newSite(t, map[string]string{"gone.txt": strings.Repeat("g", 2000)})
	e := newEngine(t, vhost.New("main", nil, site))

	if resp := e.Handle(get("/gone.txt", "Accept-Encoding", "gzip"), testClient()); resp.Code() != 200 {
		t.Fatalf("Code() = %d, want 200", resp.Code())
	}
	if err := os.Remove(filepath.Join(site.Root, "gone.txt")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	resp := e.Handle(get("/gone.txt"), testClient())
	if resp.Code() != 404 {
		t.Fatalf("Code() = %d, want 404", resp.Code())
	}
	if site.Cache.Len() != 0 {
		t.Errorf("Cache.Len() = %d, want 0 after the file disappeared", site.Cache.Len())
	}
	if resp := e.Handle(get("/gone.txt", "Accept-Encoding", "gzip"), testClient()); resp.Code() != 404 {
		t.Errorf("gzip variant Code() = %d, want 404", resp.Code())
	}
}

func TestEncodingPreference(t *testing.T) {
	site := newSite(t, map[string]string{"app.js": strings.Repeat("console.log(1);\n", 200)})
	site.Encodings = []string{"gzip", "br", "zstd"}
	e := newEngine(t, vhost.New("main", nil, site))

	tests := []struct {
		accept string
		want   string
	}{
		{"gzip, br, zstd", "zstd"},
		{"gzip, br", "br"},
		{"gzip", "gzip"},
		{"identity", ""},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			resp := e.Handle(get("/app.js", "Accept-Encoding", tt.accept), testClient())
			if got := resp.Headers.Value("Content-Encoding"); got != tt.want {
				t.Errorf("Content-Encoding = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticErrors(t *testing.T) {
	site := newSite(t, map[string]string{
		"hello.txt":    "hi",
		"sub/file.txt": "sub",
	})
	e := newEngine(t, vhost.New("main", nil, site))

	tests := []struct {
		name       string
		path       string
		wantStatus string
		wantBody   string
	}{
		{"missing file", "/nope.txt", "404 Not Found", msgNotFound},
		{"missing dir", "/nope/file.txt", "404 Not Found", msgNotFound},
		{"extra path after file", "/hello.txt/more", "200 OK", "hi"},
		{"dot segments stay in root", "/../../../etc/passwd", "404 Not Found", msgNotFound},
		{"dot segments resolve", "/sub/../hello.txt", "200 OK", "hi"},
		{"encoded path", "/sub/%66ile.txt", "200 OK", "sub"},
		{"empty segments", "//sub///file.txt", "200 OK", "sub"},
		{"query ignored", "/hello.txt?x=1#y", "200 OK", "hi"},
		{"malformed path", "hello.txt", "500 Internal Server Error", msgMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.Handle(get(tt.path), testClient())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if !strings.Contains(body(resp), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body(resp), tt.wantBody)
			}
		})
	}

	resp := e.Handle(get("/nope.txt"), testClient())
	if ct := resp.Headers.Value("Content-Type"); ct != "text/html" {
		t.Errorf("error page Content-Type = %q, want text/html", ct)
	}
	if !strings.HasPrefix(body(resp), `<!DOCTYPE HTML PUBLIC "-//IETF//DTD HTML 2.0//EN"><html><head><title>404 Not Found</title>`) {
		t.Errorf("error page = %q", body(resp))
	}
	if resp.Headers.Has("ETag") {
		t.Errorf("error page carries an ETag")
	}
}

func TestForbiddenDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	site := newSite(t, map[string]string{"private/secret.txt": "secret"})
	dir := filepath.Join(site.Root, "private")
	if err := os.Chmod(dir, 0o000); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })
	e := newEngine(t, vhost.New("main", nil, site))

	resp := e.Handle(get("/private/secret.txt"), testClient())
	if resp.Status != "403 Forbidden" {
		t.Errorf("Status = %q, want 403 Forbidden", resp.Status)
	}
}

func TestSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	site := newSite(t, map[string]string{"inside.txt": "inside"})
	if err := os.Symlink(secret, filepath.Join(site.Root, "link.txt")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if err := os.Symlink(filepath.Join(site.Root, "inside.txt"), filepath.Join(site.Root, "alias.txt")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	tests := []struct {
		name        string
		containment bool
		path        string
		want        string
	}{
		{"escape blocked", true, "/link.txt", "403 Forbidden"},
		{"escape allowed", false, "/link.txt", "200 OK"},
		{"link inside root", true, "/alias.txt", "200 OK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := *site
			s.Cache = nil
			s.Containment = tt.containment
			e := newEngine(t, vhost.New("main", nil, &s))
			if resp := e.Handle(get(tt.path), testClient()); resp.Status != tt.want {
				t.Errorf("Status = %q, want %q", resp.Status, tt.want)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/srv/www", "/srv/www", true},
		{"/srv/www", "/srv/www/a/b.html", true},
		{"/srv/www", "/srv/www2/a.html", false},
		{"/srv/www", "/srv/a.html", false},
		{"/srv/www", "/srv/www/..data", true},
		{"/", "/etc/hosts", true},
		{"/", "/", true},
	}
	for _, tt := range tests {
		if got := within(tt.root, tt.path); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestFilesystemRoot(t *testing.T) {
	site := newSite(t, map[string]string{"page.txt": "from the top"})
	dir := site.Root
	site.Root = "/"
	site.Cache = nil
	e := newEngine(t, vhost.New("main", nil, site))

	resp := e.Handle(get(filepath.Join(dir, "page.txt")), testClient())
	if resp.Status != "200 OK" || body(resp) != "from the top" {
		t.Errorf("Handle() = %q %q, want 200 OK with the file", resp.Status, body(resp))
	}
}

func TestNoHardLinks(t *testing.T) {
	site := newSite(t, map[string]string{"a.txt": "a", "single.txt": "s"})
	if err := os.Link(filepath.Join(site.Root, "a.txt"), filepath.Join(site.Root, "b.txt")); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	site.NoHardLinks = true
	e := newEngine(t, vhost.New("main", nil, site))

	for path, want := range map[string]string{
		"/a.txt":      "403 Forbidden",
		"/b.txt":      "403 Forbidden",
		"/single.txt": "200 OK",
	} {
		if resp := e.Handle(get(path), testClient()); resp.Status != want {
			t.Errorf("Handle(%s) Status = %q, want %q", path, resp.Status, want)
		}
	}
}

func TestMaxAge(t *testing.T) {
	site := newSite(t, map[string]string{
		"index.html": "<p>home</p>",
		"logo.svg":   "<svg/>",
		"data.json":  "{}",
	})
	site.MaxAge = 600
	site.RevalidateTypes = []string{"text/html", "application/*"}
	e := newEngine(t, vhost.New("main", nil, site))

	for path, want := range map[string]string{
		"/index.html": "max-age=600, no-cache",
		"/logo.svg":   "max-age=600",
		"/data.json":  "max-age=600, no-cache",
	} {
		if got := e.Handle(get(path), testClient()).Headers.Value("Cache-Control"); got != want {
			t.Errorf("Handle(%s) Cache-Control = %q, want %q", path, got, want)
		}
	}
}

func TestCustomErrorPage(t *testing.T) {
	site := newSite(t, map[string]string{"index.html": "home"})
	site.ErrorPages = map[string]string{"404": "/errors/404.html"}
	e := newEngine(t, vhost.New("main", nil, site))

	resp := e.Handle(get("/missing"), testClient())
	if resp.Code() != 404 {
		t.Errorf("Code() = %d, want 404", resp.Code())
	}
	if got := resp.Headers.Value("Location"); got != "/errors/404.html" {
		t.Errorf("Location = %q, want /errors/404.html", got)
	}
	if resp.Body != nil {
		t.Errorf("custom error page response has an inline body")
	}
}

func TestVHostKinds(t *testing.T) {
	backend := newSite(t, map[string]string{
		"users/index.html": "users",
		"hello.txt":        "hello from backend",
	})
	e := newEngine(t,
		vhost.New("redirect", []string{"old.example.com"}, &vhost.Redirect{Location: "https://new.example.com/"}),
		vhost.New("mount", []string{"example.com"}, &vhost.Mount{Points: []vhost.MountPoint{
			{Prefix: "/api", Target: "backend"},
		}}),
		vhost.New("backend", []string{"backend.internal"}, backend),
	)

	tests := []struct {
		name         string
		host         string
		path         string
		wantStatus   string
		wantLocation string
		wantBody     string
		wantVHost    string
		wantPath     string
	}{
		{"redirect", "old.example.com", "/anything", "302 Found", "https://new.example.com/", "", "redirect", "/anything"},
		{"mount rewrite", "example.com", "/api/hello.txt", "200 OK", "", "hello from backend", "backend", "/hello.txt"},
		{"mount directory redirect", "example.com", "/api/users", "302 Found", "/api/users/", "", "backend", "/users"},
		{"mount index", "example.com", "/api/users/", "200 OK", "", "users", "backend", "/users/"},
		{"mount without match", "example.com", "/other", "500 Internal Server Error", "", msgNoSite, "", "/other"},
		{"no site", "unknown.example.com", "/", "500 Internal Server Error", "", msgNoSite, "", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := get(tt.path)
			req.Headers.Set("Host", tt.host)
			resp := e.Handle(req, testClient())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if got := resp.Headers.Value("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			if !strings.Contains(body(resp), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body(resp), tt.wantBody)
			}
			if req.VHost != tt.wantVHost {
				t.Errorf("req.VHost = %q, want %q", req.VHost, tt.wantVHost)
			}
			if req.Path != tt.wantPath {
				t.Errorf("req.Path = %q, want %q", req.Path, tt.wantPath)
			}
			if n := countHeader(resp, "Server"); n != 1 {
				t.Errorf("Server header appears %d times, want 1", n)
			}
		})
	}
}

func countHeader(resp *httpmsg.Response, name string) int {
	n := 0
	for k := range resp.Headers.All() {
		if strings.EqualFold(k, name) {
			n++
		}
	}
	return n
}

func TestErrorResponse(t *testing.T) {
	e := newEngine(t, vhost.New("main", nil, newSite(t, nil)))

	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantBody   string
	}{
		{"malformed", errors.WithStack(httpmsg.ErrMalformedRequest), "500 Internal Server Error", msgMalformed},
		{"not found", errors.WithStack(ErrNotFound), "404 Not Found", msgNotFound},
		{"internal", errors.New("boom"), "500 Internal Server Error", msgInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.ErrorResponse("HTTP/1.1", tt.err)
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if !strings.Contains(body(resp), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body(resp), tt.wantBody)
			}
			if got := resp.Headers.Value("Content-Length"); got != strconv.Itoa(len(resp.Body.Data)) {
				t.Errorf("Content-Length = %q, want %d", got, len(resp.Body.Data))
			}
			if resp.Headers.Value("Server") != "nano-httpd/test" {
				t.Errorf("Server = %q", resp.Headers.Value("Server"))
			}
		})
	}
}
