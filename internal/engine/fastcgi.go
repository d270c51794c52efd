package engine

import (
	"net"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/radiosilence/nano-httpd/internal/fcgi"
	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

// fastcgi hands the request for script to a responder backend and copies
// its answer into the response.
func (x *exchange) fastcgi(site *vhost.StaticDocs, backend vhost.Addr, script, extra string) {
	var stdin []byte
	if x.req.Body != nil && !x.req.Body.Streamed() {
		stdin = x.req.Body.Data
	}

	res, err := x.e.gateway.Do(&fcgi.Call{
		Worker:  x.client.Worker,
		Network: backend.Network,
		Address: backend.Address,
		Params:  x.cgiParams(site, script, extra),
		Stdin:   stdin,
	})
	if err != nil {
		x.log.Error().Err(err).Str("backend", backend.String()).Str("path", script).Msg("FastCGI request failed")
		errorPage(x.resp, fasthttp.StatusInternalServerError, msgInternal, site)
		return
	}

	if res.Status != "" {
		x.resp.Status = res.Status
	}
	for name, value := range res.Headers.All() {
		x.resp.Headers.Add(name, value)
	}
	if len(res.Body) > 0 {
		mimetype := res.MIME
		if mimetype == "" {
			mimetype = "text/html"
		}
		x.resp.Body = &httpmsg.Body{Data: res.Body, MIME: mimetype}
	}
}

// cgiParams builds the CGI/1.1 environment for a FastCGI request.
func (x *exchange) cgiParams(site *vhost.StaticDocs, script, extra string) []fcgi.Param {
	req := x.req
	root := strings.TrimSuffix(site.Root, "/")
	uri, _, _ := strings.Cut(req.Path, "#")
	_, query, _ := strings.Cut(uri, "?")

	contentLength := "0"
	if req.Body != nil {
		contentLength = strconv.FormatInt(req.Body.Len(), 10)
	}
	remoteAddr, remotePort := remote(x.client.RemoteAddr)

	params := []fcgi.Param{
		{Name: "REQUEST_URI", Value: req.Path},
		{Name: "CONTENT_LENGTH", Value: contentLength},
	}
	if req.Body != nil && req.Body.MIME != "" {
		params = append(params, fcgi.Param{Name: "CONTENT_TYPE", Value: req.Body.MIME})
	}
	params = append(params,
		fcgi.Param{Name: "GATEWAY_INTERFACE", Value: "CGI/1.1"},
		fcgi.Param{Name: "QUERY_STRING", Value: query},
		fcgi.Param{Name: "REMOTE_ADDR", Value: remoteAddr},
		fcgi.Param{Name: "REMOTE_HOST", Value: remoteAddr},
		fcgi.Param{Name: "REMOTE_PORT", Value: remotePort},
	)
	if extra != "" {
		params = append(params,
			fcgi.Param{Name: "PATH_INFO", Value: extra},
			fcgi.Param{Name: "PATH_TRANSLATED", Value: root + extra},
		)
	} else {
		params = append(params,
			fcgi.Param{Name: "PATH_INFO", Value: ""},
			fcgi.Param{Name: "PATH_TRANSLATED", Value: ""},
		)
	}
	params = append(params,
		fcgi.Param{Name: "REQUEST_METHOD", Value: req.MethodName()},
		fcgi.Param{Name: "REDIRECT_STATUS", Value: strconv.Itoa(x.resp.Code())},
	)
	if name, ok := strings.CutPrefix(script, root); ok && strings.HasPrefix(name, "/") {
		params = append(params, fcgi.Param{Name: "SCRIPT_NAME", Value: name})
	} else {
		x.log.Error().Str("path", script).Str("root", site.Root).Msg("SCRIPT_NAME requires the script to be inside the document root")
	}
	params = append(params,
		fcgi.Param{Name: "SERVER_NAME", Value: req.Headers.Value("Host")},
		fcgi.Param{Name: "SERVER_PORT", Value: x.e.port},
		fcgi.Param{Name: "SERVER_PROTOCOL", Value: req.Version},
		fcgi.Param{Name: "SERVER_SOFTWARE", Value: x.e.software},
		fcgi.Param{Name: "DOCUMENT_ROOT", Value: site.Root},
		fcgi.Param{Name: "SCRIPT_FILENAME", Value: script},
	)
	for name, value := range req.Headers.All() {
		if strings.EqualFold(name, "Accept-Encoding") {
			continue
		}
		params = append(params, fcgi.Param{Name: cgiHeaderName(name), Value: value})
	}
	return params
}

// cgiHeaderName turns X-Forwarded-For into HTTP_X_FORWARDED_FOR.
func cgiHeaderName(name string) string {
	var b strings.Builder
	b.Grow(len("HTTP_") + len(name))
	b.WriteString("HTTP_")
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case c == '-':
			c = '_'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// remote renders a client address for REMOTE_ADDR and REMOTE_PORT.
// IPv4-mapped IPv6 addresses are shown in dotted form.
func remote(addr net.Addr) (string, string) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap := a.AddrPort()
		return ap.Addr().Unmap().String(), strconv.Itoa(int(ap.Port()))
	case *net.UnixAddr:
		return "UNIX", "0"
	default:
		return "UNKNOWN", "0"
	}
}
