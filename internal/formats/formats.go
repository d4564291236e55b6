// Package formats maps the loose document type names callers use ("word",
// "excel", "markdown") onto the file extension an artifact is stored under.
package formats

import "strings"

// DefaultExtension is used when a requested format is unknown.
const DefaultExtension = "txt"

var extensions = map[string]string{
	"word":       "docx",
	"doc":        "docx",
	"docx":       "docx",
	"pdf":        "pdf",
	"excel":      "xlsx",
	"xlsx":       "xlsx",
	"powerpoint": "pptx",
	"pptx":       "pptx",
	"csv":        "csv",
	"text":       "txt",
	"txt":        "txt",
	"rtf":        "rtf",
	"odt":        "odt",
	"ods":        "ods",
	"odp":        "odp",
	"html":       "html",
	"htm":        "html",
	"xml":        "xml",
	"json":       "json",
	"md":         "md",
	"markdown":   "md",
	"log":        "log",
	"ipynb":      "ipynb",
	"py":         "py",
	"js":         "js",
	"css":        "css",
	"ts":         "ts",
	"c":          "c",
	"cpp":        "cpp",
	"java":       "java",
	"go":         "go",
	"sh":         "sh",
	"bash":       "sh",
	"yml":        "yml",
	"yaml":       "yml",
	"ini":        "ini",
	"cfg":        "cfg",
	"conf":       "conf",
	"sql":        "sql",
	"ps1":        "ps1",
	"bat":        "bat",
}

// Extension resolves a format name to an extension, case-insensitively.
// A leading dot is tolerated. Unknown names fall back to DefaultExtension.
func Extension(format string) string {
	key := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if ext, ok := extensions[key]; ok {
		return ext
	}
	return DefaultExtension
}

// Known reports whether format maps to an extension without falling back.
func Known(format string) bool {
	key := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	_, ok := extensions[key]
	return ok
}
