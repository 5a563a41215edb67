// Package scanner discovers input files for a batch. It walks a directory
// tree in parallel with fastwalk and keeps the regular files that match the
// include and exclude patterns.
package scanner

import "path/filepath"

// Options configures the scanner behavior.
type Options struct {
	// Root is the starting directory for the scan.
	Root string

	// Include contains glob patterns matched against file base names.
	// Empty includes every file.
	Include []string

	// Exclude contains patterns for paths to skip. A pattern matches a path
	// equal to it, any path beneath it, or by glob against the base name or
	// the full path.
	Exclude []string

	// MinSize is the minimum file size in bytes to include in results.
	MinSize int64

	// OnProgress is called periodically during the walk.
	// It must be safe to call from multiple goroutines.
	OnProgress func(Progress)
}

// Progress reports walk progress.
type Progress struct {
	DirsScanned  int64
	FilesScanned int64
	Matched      int64
	BytesMatched int64
	CurrentPath  string
}

// DefaultOptions returns options scanning the current directory.
func DefaultOptions() Options {
	return Options{Root: "."}
}

// Validate applies defaults and checks the glob patterns.
func (o *Options) Validate() error {
	if o.Root == "" {
		o.Root = "."
	}
	for _, p := range append(append([]string(nil), o.Include...), o.Exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			return &PatternError{Pattern: p, Err: err}
		}
	}
	return nil
}

// PatternError reports a malformed glob pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "invalid pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Match reports whether a file passes the include, exclude and size
// filters. Directories are not considered.
func (o Options) Match(path string, size int64) bool {
	return size >= o.MinSize && o.included(path) && !o.excluded(path)
}

func (o Options) included(path string) bool {
	if len(o.Include) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range o.Include {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (o Options) excluded(path string) bool {
	for _, pattern := range o.Exclude {
		if matchesExclusion(path, pattern) {
			return true
		}
	}
	return false
}
