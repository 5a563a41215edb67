// Package output provides formatters for simbatch results in several
// formats (pretty, plain, json, yaml, template).
//
// Formatters are looked up by name in a registry:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, result); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(buf.String())
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/jamesainslie/simbatch/pkg/simbatch/history"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

// FileInfo is a file as shown to the user.
type FileInfo struct {
	Path      string `json:"path" yaml:"path"`
	Size      int64  `json:"size" yaml:"size"`
	SizeHuman string `json:"size_human" yaml:"size_human"`
}

// NewFileInfos converts scanned files for display.
func NewFileInfos(files []types.FileInfo) []FileInfo {
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{Path: f.Path, Size: f.Size, SizeHuman: types.FormatSize(f.Size)}
	}
	return out
}

// Result is everything a command may want to print. Sections left empty
// are omitted.
type Result struct {
	Source   string                 `json:"source,omitempty" yaml:"source,omitempty"`
	Memory   *resource.MemoryStatus `json:"memory,omitempty" yaml:"memory,omitempty"`
	Files    []FileInfo             `json:"files,omitempty" yaml:"files,omitempty"`
	Run      *runner.Report         `json:"run,omitempty" yaml:"run,omitempty"`
	Runs     []*history.Record      `json:"runs,omitempty" yaml:"runs,omitempty"`
	Warnings []string               `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// TotalSize returns the sum of all file sizes in the result.
func (r *Result) TotalSize() int64 {
	var total int64
	for _, f := range r.Files {
		total += f.Size
	}
	return total
}

// Failures returns the failed jobs of the run, if any.
func (r *Result) Failures() []runner.Result {
	if r.Run == nil {
		return nil
	}
	var out []runner.Result
	for _, res := range r.Run.Results {
		if res.Status == runner.StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory is a function that creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FormatterFactory)}
}

// Register adds a formatter factory, replacing any with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available lists the formatters in the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}
