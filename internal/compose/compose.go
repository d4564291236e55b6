// Package compose builds the code body sent to a kernel for one execution:
// a redirection preamble, the caller's code and an epilogue that reports
// whether the artifact exists.
package compose

import (
	"errors"
	"fmt"
	"strings"

	"docforge/internal/artifact"
	"docforge/internal/logging"
	"docforge/internal/redirect"
)

// ErrNoLocation is returned when a Spec carries no artifact name or root.
var ErrNoLocation = errors.New("compose: artifact location is incomplete")

// SourceName is the filename attributed to caller code in tracebacks.
const SourceName = "<document>"

// Spec is the input to Compose.
type Spec struct {
	UserCode string
	Location artifact.Location

	// Adapters overrides the installed redirection adapters. Nil means
	// redirect.Default().
	Adapters []redirect.Adapter
}

// Compose returns the full code body for one execution.
//
// The caller's code is embedded as a string literal and run with exec in a
// fresh __main__ namespace, so its indentation and quoting never interact
// with the generated wrapper. Adapters are uninstalled in a finally block
// whether or not the body raises.
func Compose(spec Spec) (string, error) {
	loc := spec.Location
	if loc.Name == "" || loc.Root == "" {
		return "", ErrNoLocation
	}

	adapters := spec.Adapters
	if adapters == nil {
		adapters = redirect.Default()
	}
	runtime, err := redirect.Render(adapters)
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}

	body := Dedent(spec.UserCode)

	var b strings.Builder
	b.WriteString("import json as _docforge_json\n")
	b.WriteString(runtime)
	b.WriteString("\n")
	fmt.Fprintf(&b, "_docforge_folder = %s\n", redirect.Literal(loc.Folder()))
	fmt.Fprintf(&b, "_docforge_name = %s\n", redirect.Literal(loc.Name))
	b.WriteString("_docforge_path = _docforge_os.path.join(_docforge_folder, _docforge_name)\n")
	b.WriteString("_docforge_os.makedirs(_docforge_folder, exist_ok=True)\n")
	b.WriteString("_docforge_redirector = _DocforgeRedirector(_docforge_path)\n")
	b.WriteString("_docforge_redirector.install_all(_DOCFORGE_ADAPTERS)\n")
	fmt.Fprintf(&b, "_docforge_source = %s\n", redirect.Literal(body))
	b.WriteString("try:\n")
	b.WriteString("    _docforge_namespace = {\"__name__\": \"__main__\", \"__builtins__\": __builtins__, \"ARTIFACT_PATH\": _docforge_path}\n")
	fmt.Fprintf(&b, "    exec(compile(_docforge_source, %s, \"exec\"), _docforge_namespace)\n", redirect.Literal(SourceName))
	b.WriteString("finally:\n")
	b.WriteString("    _docforge_redirector.uninstall()\n")
	b.WriteString(epilogue)

	logging.ComposeDebug("composed %d bytes for %s (%d adapters, body %d bytes)",
		b.Len(), loc.Path(), len(adapters), len(body))
	return b.String(), nil
}

const epilogue = `if _docforge_os.path.exists(_docforge_path):
    print(_docforge_json.dumps({"status": "ok", "file_name": _docforge_name}), flush=True)
else:
    print(_docforge_json.dumps({"status": "error", "message": "file not created"}), flush=True)
`

// Dedent removes the whitespace prefix common to every non-blank line,
// normalizes line endings to \n and empties whitespace-only lines.
func Dedent(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.ReplaceAll(code, "\r", "\n")
	lines := strings.Split(code, "\n")

	prefix := ""
	first := true
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix = indent
			first = false
			continue
		}
		prefix = commonPrefix(prefix, indent)
	}

	if prefix == "" {
		return strings.Join(lines, "\n")
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
