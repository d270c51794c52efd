// Package mime maps file extensions to MIME types.
package mime

import (
	"path"
	"strings"
)

const Default = "application/octet-stream"

var builtin = map[string]string{
	// Text and source files
	".bash":          "text/plain",
	".c":             "text/plain",
	".cc":            "text/plain",
	".cfg":           "text/plain",
	".clj":           "text/plain",
	".cljs":          "text/plain",
	".cmake":         "text/plain",
	".conf":          "text/plain",
	".cpp":           "text/plain",
	".cr":            "text/plain",
	".cs":            "text/plain",
	".css":           "text/css",
	".csv":           "text/csv",
	".cxx":           "text/plain",
	".dart":          "text/plain",
	".dockerfile":    "text/plain",
	".editorconfig":  "text/plain",
	".edn":           "text/plain",
	".elm":           "text/plain",
	".env":           "text/plain",
	".eslintrc":      "text/plain",
	".ex":            "text/plain",
	".exs":           "text/plain",
	".fish":          "text/plain",
	".fs":            "text/plain",
	".gitattributes": "text/plain",
	".gitignore":     "text/plain",
	".go":            "text/plain",
	".gradle":        "text/plain",
	".h":             "text/plain",
	".hpp":           "text/plain",
	".hs":            "text/plain",
	".html":          "text/html",
	".htm":           "text/html",
	".ini":           "text/plain",
	".java":          "text/plain",
	".jl":            "text/plain",
	".js":            "text/javascript",
	".json":          "application/json",
	".jsx":           "text/javascript",
	".kt":            "text/plain",
	".lock":          "text/plain",
	".log":           "text/plain",
	".lua":           "text/plain",
	".makefile":      "text/plain",
	".markdown":      "text/markdown",
	".md":            "text/markdown",
	".ml":            "text/plain",
	".nim":           "text/plain",
	".php":           "application/x-httpd-php",
	".po":            "text/plain",
	".pom":           "text/xml",
	".prettierrc":    "text/plain",
	".ps1":           "text/plain",
	".py":            "text/plain",
	".r":             "text/plain",
	".rb":            "text/plain",
	".rs":            "text/plain",
	".sbt":           "text/plain",
	".scala":         "text/plain",
	".scss":          "text/css",
	".sass":          "text/css",
	".less":          "text/css",
	".sh":            "text/plain",
	".sql":           "text/plain",
	".svelte":        "text/plain",
	".swift":         "text/plain",
	".toml":          "text/plain",
	".ts":            "text/plain",
	".tsx":           "text/plain",
	".txt":           "text/plain",
	".v":             "text/plain",
	".vue":           "text/plain",
	".xml":           "application/xml",
	".xsl":           "application/xml",
	".xslt":          "application/xml",
	".yaml":          "text/plain",
	".yml":           "text/plain",
	".zig":           "text/plain",
	".zsh":           "text/plain",

	// Images
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".avif": "image/avif",
	".heic": "image/heic",
	".heif": "image/heif",

	// Fonts
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "font/otf",
	".ttf":   "font/ttf",
	".woff":  "font/woff",
	".woff2": "font/woff2",

	// Audio
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".opus": "audio/opus",

	// Video
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mkv":  "video/x-matroska",
	".m4v":  "video/mp4",

	// Documents
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".pdf":  "application/pdf",
	".rtf":  "application/rtf",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",

	// Archives
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
	".bz2": "application/x-bzip2",
	".rar": "application/vnd.rar",
	".7z":  "application/x-7z-compressed",
	".xz":  "application/x-xz",

	// Other common types
	".jsonld":      "application/ld+json",
	".rss":         "application/rss+xml",
	".atom":        "application/atom+xml",
	".manifest":    "application/manifest+json",
	".webmanifest": "application/manifest+json",
	".appcache":    "text/cache-manifest",
	".map":         "application/json",
	".bin":         "application/octet-stream",
	".exe":         "application/octet-stream",
	".dmg":         "application/octet-stream",
	".deb":         "application/octet-stream",
	".rpm":         "application/octet-stream",
	".msi":         "application/octet-stream",
}

// Table is the builtin mapping plus per-site overrides.
type Table struct {
	overrides map[string]string
}

// NewTable returns a table with overrides keyed by extension, with or
// without the leading dot.
func NewTable(overrides map[string]string) *Table {
	t := &Table{overrides: make(map[string]string, len(overrides))}
	for ext, mimetype := range overrides {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		t.overrides[ext] = mimetype
	}
	return t
}

// Lookup returns the MIME type for name's extension, or Default.
func (t *Table) Lookup(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return Default
	}
	if t != nil {
		if mimetype, ok := t.overrides[ext]; ok {
			return mimetype
		}
	}
	if mimetype, ok := builtin[ext]; ok {
		return mimetype
	}
	return Default
}

// Lookup uses the builtin table only.
func Lookup(name string) string {
	return (*Table)(nil).Lookup(name)
}
