package output

import (
	"bytes"
	"sync"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

// TemplateFormatter formats output using a custom Go text/template.
type TemplateFormatter struct {
	templateStr string
	template    *template.Template
	mu          sync.Mutex
}

type templateData struct {
	*Result
	TotalSize int64
	Failed    []FailureInfo
}

// FailureInfo is a failed job as exposed to templates.
type FailureInfo struct {
	Path  string
	Size  int64
	Error string
}

// NewTemplateFormatter creates a template formatter for the given template text.
func NewTemplateFormatter(templateStr string) *TemplateFormatter {
	return &TemplateFormatter{templateStr: templateStr}
}

// SetTemplate replaces the template text.
func (f *TemplateFormatter) SetTemplate(templateStr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templateStr = templateStr
	f.template = nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		// {{date .StartedAt "2006-01-02"}}
		"date": func(t time.Time, layout string) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
		// {{bytes .Size}}
		"bytes": func(size int64) string {
			return humanize.IBytes(uint64(size))
		},
		// {{duration .Run.Duration}}
		"duration": formatDuration,
	}
}

// Format writes the formatted output to the buffer.
func (f *TemplateFormatter) Format(w *bytes.Buffer, r *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.template == nil {
		tmpl, err := template.New("output").Funcs(templateFuncs()).Parse(f.templateStr)
		if err != nil {
			return err
		}
		f.template = tmpl
	}

	data := templateData{Result: r, TotalSize: r.TotalSize()}
	for _, res := range r.Failures() {
		data.Failed = append(data.Failed, FailureInfo{Path: res.Job.Path, Size: res.Job.Size, Error: res.Error})
	}
	return f.template.Execute(w, data)
}

const defaultTemplate = `{{if .Memory}}{{.Memory.RecommendedWorkers}}
{{end}}{{range .Files}}{{.SizeHuman}}	{{.Path}}
{{end}}{{range .Failed}}FAILED	{{.Path}}
{{end}}`

func init() {
	Register("template", func() Formatter {
		return NewTemplateFormatter(defaultTemplate)
	})
}

var _ Formatter = (*TemplateFormatter)(nil)
