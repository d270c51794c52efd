package engine

import (
	"bytes"
	"html/template"
	"strconv"

	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/httpmsg"
	"github.com/radiosilence/nano-httpd/internal/vhost"
)

var (
	ErrNotFound  = errors.Base("not found")
	ErrForbidden = errors.Base("forbidden")
	ErrInternal  = errors.Base("internal error")
)

const (
	msgNotFound  = "The requested URL was not found on this server. If you believe this to be an error, please contact your system administrator."
	msgForbidden = "The requested URL is not available. If you believe this to be an error, please contact your system administrator."
	msgInternal  = "An unknown error occurred trying to serve your request! If you believe this to be an error, please contact your system administrator."
	msgNoSite    = "There was no website found at this domain! If you believe this to be an error, please contact your system administrator."
	msgMalformed = "Malformed Request! If you believe this to be an error, please contact your system administrator."
)

var errorTemplate = template.Must(template.New("error").Parse(
	`<!DOCTYPE HTML PUBLIC "-//IETF//DTD HTML 2.0//EN"><html><head><title>{{.Status}}</title></head><body><h1>{{.Status}}</h1><p>{{.Message}}</p></body></html>`,
))

type errorData struct {
	Status  string
	Message string
}

// renderError builds the HTML body of an error page.
func renderError(status, message string) []byte {
	var buf bytes.Buffer
	if err := errorTemplate.Execute(&buf, &errorData{Status: status, Message: message}); err != nil {
		return []byte(status)
	}
	return buf.Bytes()
}

// statusOf maps an error to the status it is answered with.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return fasthttp.StatusNotFound, msgNotFound
	case errors.Is(err, ErrForbidden):
		return fasthttp.StatusForbidden, msgForbidden
	default:
		return fasthttp.StatusInternalServerError, msgInternal
	}
}

// errorPage sets resp to an error status. A site error page configured for
// the status is sent as a Location header in place of the HTML body.
func errorPage(resp *httpmsg.Response, code int, message string, site *vhost.StaticDocs) {
	resp.SetStatus(code)
	if site != nil {
		if location, ok := site.ErrorPage(resp.Status); ok {
			resp.Headers.Add("Location", location)
			resp.Body = nil
			return
		}
	}
	resp.Body = &httpmsg.Body{Data: renderError(resp.Status, message), MIME: "text/html"}
}

// ErrorResponse builds a complete error response for a failure outside the
// resolution pipeline, such as a request that could not be parsed.
func (e *Engine) ErrorResponse(version string, err error) *httpmsg.Response {
	resp := httpmsg.NewResponse(version)
	resp.Headers.Add("Server", e.software)
	resp.Headers.Add("Connection", "keep-alive")
	code, message := statusOf(err)
	if errors.Is(err, httpmsg.ErrMalformedRequest) {
		message = msgMalformed
	}
	errorPage(resp, code, message, nil)
	resp.Headers.Add("Content-Type", resp.Body.MIME)
	resp.Headers.Add("Content-Length", strconv.Itoa(len(resp.Body.Data)))
	return resp
}
