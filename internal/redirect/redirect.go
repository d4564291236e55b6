// Package redirect renders the Python adapters that force document-producing
// libraries to write to one canonical path.
//
// Each Adapter describes one library family. Rendering produces a Python
// runtime (a per-execution redirector object) plus one install function per
// family. The redirector owns all install state: it probes each library,
// patches the entry points for the lifetime of one execution and restores the
// baseline afterwards.
package redirect

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Strategy is how an adapter resolves the destination.
type Strategy string

const (
	// StrategySubstitute replaces the destination argument of a save call.
	StrategySubstitute Strategy = "substitute"

	// StrategyCapture takes converted content back as a value and writes it
	// to the canonical path via a temp file and an atomic rename.
	StrategyCapture Strategy = "capture"
)

// SetupErrorName is the Python exception class raised when an adapter fails
// to install. It reaches the orchestrator as the remote error's ename.
const SetupErrorName = "RedirectionSetupError"

//go:embed runtime.py
var runtimeSource string

// EntryPoint is one intercepted callable.
type EntryPoint struct {
	// Owner is the Python expression of the class or module holding Attr.
	Owner string
	Attr  string

	// Param is the keyword name of the destination argument.
	Param string
	// KeepPositional passes positional arguments after the destination through.
	KeepPositional bool
	// Drop lists keyword arguments removed before the call.
	Drop []string
}

// Adapter binds one library family to its redirection rule.
type Adapter struct {
	Family   string
	Probe    string   // module imported to detect the library
	Imports  []string // modules imported by the install function
	Strategy Strategy

	EntryPoints []EntryPoint

	// BinaryFormats are capture targets the library refuses to return as a
	// value; those are written by the library straight to the temp path.
	BinaryFormats []string

	// Prelude is Python run inside the install function before patching.
	Prelude []string
}

// pandocLegacyReset restores a module left patched by the older flag-based
// wrapper, which stashed the original on the module itself.
var pandocLegacyReset = []string{
	`if getattr(pypandoc, "_is_patched_by_wrapper", False) and hasattr(pypandoc, "_original_convert_text"):`,
	`    pypandoc.convert_text = pypandoc._original_convert_text`,
	`    pypandoc._is_patched_by_wrapper = False`,
}

// Default returns the adapters installed for every execution.
func Default() []Adapter {
	return []Adapter{
		{
			Family:   "docx",
			Probe:    "docx",
			Imports:  []string{"docx.document"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				{Owner: "docx.document.Document", Attr: "save", Param: "path_or_stream", KeepPositional: true},
			},
		},
		{
			Family:   "odf",
			Probe:    "odf.opendocument",
			Imports:  []string{"odf.opendocument"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				// addsuffix would append an extension to the canonical path
				{Owner: "odf.opendocument.OpenDocument", Attr: "save", Param: "outputfile", Drop: []string{"addsuffix"}},
			},
		},
		{
			Family:   "pptx",
			Probe:    "pptx",
			Imports:  []string{"pptx.presentation"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				{Owner: "pptx.presentation.Presentation", Attr: "save", Param: "file", KeepPositional: true},
			},
		},
		{
			Family:   "xlsx",
			Probe:    "openpyxl",
			Imports:  []string{"openpyxl.workbook.workbook"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				{Owner: "openpyxl.workbook.workbook.Workbook", Attr: "save", Param: "filename", KeepPositional: true},
			},
		},
		{
			Family:   "pdf",
			Probe:    "reportlab",
			Imports:  []string{"reportlab.platypus", "reportlab.pdfgen.canvas"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				{Owner: "reportlab.platypus.SimpleDocTemplate", Attr: "__init__", Param: "filename", KeepPositional: true},
				{Owner: "reportlab.pdfgen.canvas.Canvas", Attr: "__init__", Param: "filename", KeepPositional: true},
			},
		},
		{
			Family:   "csv",
			Probe:    "pandas",
			Imports:  []string{"pandas"},
			Strategy: StrategySubstitute,
			EntryPoints: []EntryPoint{
				{Owner: "pandas.DataFrame", Attr: "to_csv", Param: "path_or_buf", KeepPositional: true},
			},
		},
		{
			Family:        "pandoc",
			Probe:         "pypandoc",
			Imports:       []string{"pypandoc"},
			Strategy:      StrategyCapture,
			EntryPoints:   []EntryPoint{{Owner: "pypandoc", Attr: "convert_text"}},
			BinaryFormats: []string{"docx", "odt", "epub", "epub3", "pdf", "pptx"},
			Prelude:       pandocLegacyReset,
		},
	}
}

// Families lists adapter family names in install order.
func Families(adapters []Adapter) []string {
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		names = append(names, a.Family)
	}
	return names
}

// Select returns the adapters whose family is in names, preserving order.
// Unknown names are an error.
func Select(adapters []Adapter, names []string) ([]Adapter, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Adapter
	for _, a := range adapters {
		if want[a.Family] {
			out = append(out, a)
			delete(want, a.Family)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("redirect: unknown adapter family %q", n)
	}
	return out, nil
}

var (
	familyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	dottedPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	identPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks that an adapter renders to well-formed Python.
func (a Adapter) Validate() error {
	if !familyPattern.MatchString(a.Family) {
		return fmt.Errorf("redirect: invalid family %q", a.Family)
	}
	if !dottedPattern.MatchString(a.Probe) {
		return fmt.Errorf("redirect: %s: invalid probe module %q", a.Family, a.Probe)
	}
	for _, imp := range a.Imports {
		if !dottedPattern.MatchString(imp) {
			return fmt.Errorf("redirect: %s: invalid import %q", a.Family, imp)
		}
	}
	if len(a.EntryPoints) == 0 {
		return fmt.Errorf("redirect: %s: no entry points", a.Family)
	}
	for _, ep := range a.EntryPoints {
		if !dottedPattern.MatchString(ep.Owner) || !identPattern.MatchString(ep.Attr) {
			return fmt.Errorf("redirect: %s: invalid entry point %s.%s", a.Family, ep.Owner, ep.Attr)
		}
		switch a.Strategy {
		case StrategySubstitute:
			if !identPattern.MatchString(ep.Param) {
				return fmt.Errorf("redirect: %s: invalid destination param %q", a.Family, ep.Param)
			}
		case StrategyCapture:
		default:
			return fmt.Errorf("redirect: %s: unknown strategy %q", a.Family, a.Strategy)
		}
		for _, d := range ep.Drop {
			if !identPattern.MatchString(d) {
				return fmt.Errorf("redirect: %s: invalid dropped param %q", a.Family, d)
			}
		}
	}
	return nil
}

// Literal renders s as a Python string literal. JSON string syntax is a
// subset of Python's once HTML escaping is off.
func Literal(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

func tuple(items []string) string {
	if len(items) == 0 {
		return "()"
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Literal(it)
	}
	return "(" + strings.Join(parts, ", ") + ",)"
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

var installTemplate = template.Must(template.New("install").Funcs(template.FuncMap{
	"lit":   Literal,
	"tuple": tuple,
	"bool":  pyBool,
}).Parse(`{{range .}}

def _docforge_install_{{.Family}}(r):
{{- range .Imports}}
    import {{.}}
{{- end}}
{{- range .Prelude}}
    {{.}}
{{- end}}
{{- $a := .}}
{{- range .EntryPoints}}
{{- if eq $a.Strategy "capture"}}
    r.patch({{.Owner}}, {{lit .Attr}}, r.capture(binary_formats={{tuple $a.BinaryFormats}}))
{{- else}}
    r.patch({{.Owner}}, {{lit .Attr}}, r.substitute({{lit .Param}}, keep_positional={{bool .KeepPositional}}, drop={{tuple .Drop}}))
{{- end}}
{{- end}}
{{end}}
_DOCFORGE_ADAPTERS = [
{{- range .}}
    ({{lit .Family}}, {{lit .Probe}}, _docforge_install_{{.Family}}),
{{- end}}
]
`))

// Render produces the Python source defining the redirector runtime and the
// install functions for adapters, ending with the _DOCFORGE_ADAPTERS table.
func Render(adapters []Adapter) (string, error) {
	seen := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		if err := a.Validate(); err != nil {
			return "", err
		}
		if seen[a.Family] {
			return "", fmt.Errorf("redirect: duplicate family %q", a.Family)
		}
		seen[a.Family] = true
	}

	var buf bytes.Buffer
	buf.WriteString(runtimeSource)
	if err := installTemplate.Execute(&buf, adapters); err != nil {
		return "", fmt.Errorf("redirect: render adapters: %w", err)
	}
	return buf.String(), nil
}
