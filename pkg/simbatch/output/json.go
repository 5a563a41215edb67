package output

import (
	"bytes"
	"encoding/json"

	"github.com/dustin/go-humanize"
)

// JSONFormatter formats output as a single indented JSON object.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, r *Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(buildDocument(r))
}

// document is the machine-readable shape shared by json and yaml. Sections
// not present in the result are dropped.
type document struct {
	Source   string      `json:"source,omitempty" yaml:"source,omitempty"`
	Memory   interface{} `json:"memory,omitempty" yaml:"memory,omitempty"`
	Files    []FileInfo  `json:"files,omitempty" yaml:"files,omitempty"`
	Run      interface{} `json:"run,omitempty" yaml:"run,omitempty"`
	Runs     interface{} `json:"runs,omitempty" yaml:"runs,omitempty"`
	Summary  *summary    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Warnings []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type summary struct {
	TotalFiles int    `json:"total_files" yaml:"total_files"`
	TotalSize  int64  `json:"total_size" yaml:"total_size"`
	TotalHuman string `json:"total_human" yaml:"total_human"`
}

func buildDocument(r *Result) document {
	doc := document{
		Source:   r.Source,
		Files:    r.Files,
		Warnings: r.Warnings,
	}
	if r.Memory != nil {
		doc.Memory = r.Memory
	}
	if r.Run != nil {
		doc.Run = r.Run
	}
	if r.Runs != nil {
		doc.Runs = r.Runs
	}
	if r.Files != nil {
		total := r.TotalSize()
		doc.Summary = &summary{
			TotalFiles: len(r.Files),
			TotalSize:  total,
			TotalHuman: humanize.IBytes(uint64(total)),
		}
	}
	return doc
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

// Ensure JSONFormatter implements Formatter.
var _ Formatter = (*JSONFormatter)(nil)
