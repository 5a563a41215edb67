// Package types provides core data types shared across simbatch packages:
// discovered input files, batch jobs, and helpers for parsing and formatting
// byte sizes.
package types

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Size constants for binary (IEC) units.
const (
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
	TiB int64 = 1024 * GiB
)

// FileInfo describes one discovered simulation-output file.
type FileInfo struct {
	// Path is the absolute path to the file.
	Path string `json:"path" yaml:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size" yaml:"size"`

	// ModTime is the last modification time of the file.
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`

	// Mode is the file's permission and mode bits.
	Mode os.FileMode `json:"mode" yaml:"mode"`
}

// HumanSize returns the file size formatted with binary units.
func (f *FileInfo) HumanSize() string {
	return FormatSize(f.Size)
}

// ScanResult contains the files found by a discovery pass.
type ScanResult struct {
	// Files holds matching files, largest first.
	Files []FileInfo `json:"files" yaml:"files"`

	// DirsScanned is the total number of directories traversed.
	DirsScanned int64 `json:"dirs_scanned" yaml:"dirs_scanned"`

	// FilesScanned is the total number of regular files examined.
	FilesScanned int64 `json:"files_scanned" yaml:"files_scanned"`

	// TotalSize is the sum of the sizes of matching files.
	TotalSize int64 `json:"total_size" yaml:"total_size"`

	// Elapsed is the wall time of the scan.
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`

	// Errors contains per-path errors encountered while walking.
	Errors []ScanError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Sizes returns the byte sizes of the matching files in result order.
func (r *ScanResult) Sizes() []int64 {
	sizes := make([]int64, len(r.Files))
	for i, f := range r.Files {
		sizes[i] = f.Size
	}
	return sizes
}

// ScanError pairs a path with the error met while visiting it.
type ScanError struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// sizePattern matches size strings like "100M", "2G", "500K", "1.5GB", etc.
var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([KMGT]?(?:i?B)?)\s*$`)

// ErrInvalidSize indicates that the size string could not be parsed.
var ErrInvalidSize = errors.New("invalid size format")

// ErrNegativeSize indicates that a negative size value was provided.
var ErrNegativeSize = errors.New("size cannot be negative")

// ParseSize parses a human-readable size string and returns the size in bytes.
// Suffixes K, M, G and T (optionally followed by B or iB) are binary units.
// Decimal values are truncated to the nearest byte.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidSize)
	}

	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeSize
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	suffix := strings.ToUpper(matches[2])
	suffix = strings.TrimSuffix(suffix, "IB")
	suffix = strings.TrimSuffix(suffix, "B")

	var multiplier int64
	switch suffix {
	case "":
		multiplier = 1
	case "K":
		multiplier = KiB
	case "M":
		multiplier = MiB
	case "G":
		multiplier = GiB
	case "T":
		multiplier = TiB
	default:
		return 0, fmt.Errorf("%w: unknown suffix %q", ErrInvalidSize, suffix)
	}

	return int64(value * float64(multiplier)), nil
}

// FormatSize converts a size in bytes to a human-readable string using
// binary units, e.g. FormatSize(1536*1024) returns "1.5 MiB".
// Negative values are formatted as zero.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
