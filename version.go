package main

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version returns the current version of nano-httpd
func Version() string {
	return strings.TrimSpace(versionFile)
}

// FullVersion returns the version with "nano-httpd v" prefix
func FullVersion() string {
	return "nano-httpd v" + Version()
}

// Software is the Server header value.
func Software() string {
	return "nano-httpd/" + Version()
}
