package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var logger = logging.Get("scanner")

// Scanner performs parallel directory scanning using fastwalk.
type Scanner struct {
	opts Options

	dirsScanned  atomic.Int64
	filesScanned atomic.Int64
	matched      atomic.Int64
	bytesMatched atomic.Int64
	bytesScanned atomic.Int64

	currentPath  atomic.Value
	lastProgress atomic.Int64

	errors   []types.ScanError
	errorsMu sync.Mutex

	results   []types.FileInfo
	resultsMu sync.Mutex
}

// New creates a new Scanner with the given options.
func New(opts Options) *Scanner {
	s := &Scanner{opts: opts}
	s.currentPath.Store("")
	return s
}

// Scan walks the tree and returns matching files, largest first.
// It blocks until complete or ctx is cancelled; a cancelled scan returns
// ctx.Err().
func (s *Scanner) Scan(ctx context.Context) (*types.ScanResult, error) {
	start := time.Now()

	if err := s.opts.Validate(); err != nil {
		return nil, err
	}

	root, err := validateRoot(s.opts.Root)
	if err != nil {
		return nil, err
	}

	conf := fastwalk.Config{Follow: false}
	walkErr := fastwalk.Walk(&conf, root, s.walkCallback(ctx))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if walkErr != nil && !errors.Is(walkErr, fastwalk.ErrSkipFiles) {
		return nil, fmt.Errorf("walking %s: %w", root, walkErr)
	}

	sort.Slice(s.results, func(i, j int) bool {
		if s.results[i].Size != s.results[j].Size {
			return s.results[i].Size > s.results[j].Size
		}
		return s.results[i].Path < s.results[j].Path
	})

	s.reportProgressForce()

	res := &types.ScanResult{
		Files:        s.results,
		DirsScanned:  s.dirsScanned.Load(),
		FilesScanned: s.filesScanned.Load(),
		TotalSize:    s.bytesScanned.Load(),
		Elapsed:      time.Since(start),
		Errors:       s.errors,
	}

	logger.Debug("scan complete",
		"root", root,
		"dirs", res.DirsScanned,
		"files", res.FilesScanned,
		"matched", len(res.Files),
		"errors", len(res.Errors),
		"elapsed", res.Elapsed,
	)

	return res, nil
}

func validateRoot(path string) (string, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w: not a directory", root, os.ErrInvalid)
	}
	return root, nil
}

func (s *Scanner) walkCallback(ctx context.Context) fs.WalkDirFunc {
	return func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err != nil {
			s.addError(path, err)
			return nil
		}

		if s.isExcluded(path) {
			if d.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			s.dirsScanned.Add(1)
			s.currentPath.Store(path)
			s.reportProgress()
			return nil
		}

		if d.Type().IsRegular() {
			s.processFile(path, d)
		}
		return nil
	}
}

func (s *Scanner) processFile(path string, d fs.DirEntry) {
	info, err := d.Info()
	if err != nil {
		s.addError(path, err)
		return
	}

	size := info.Size()
	s.filesScanned.Add(1)
	s.bytesScanned.Add(size)

	if size < s.opts.MinSize || !s.isIncluded(path) {
		return
	}

	s.matched.Add(1)
	s.bytesMatched.Add(size)

	s.resultsMu.Lock()
	s.results = append(s.results, types.FileInfo{
		Path:    path,
		Size:    size,
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	})
	s.resultsMu.Unlock()
}

func (s *Scanner) addError(path string, err error) {
	s.errorsMu.Lock()
	s.errors = append(s.errors, types.ScanError{Path: path, Error: err.Error()})
	s.errorsMu.Unlock()
}

// reportProgress calls the progress callback at most every 10ms.
func (s *Scanner) reportProgress() {
	if s.opts.OnProgress == nil {
		return
	}

	now := time.Now().UnixMilli()
	last := s.lastProgress.Load()
	if now-last < 10 {
		return
	}
	if !s.lastProgress.CompareAndSwap(last, now) {
		return
	}
	s.sendProgress()
}

func (s *Scanner) reportProgressForce() {
	if s.opts.OnProgress == nil {
		return
	}
	s.lastProgress.Store(time.Now().UnixMilli())
	s.sendProgress()
}

func (s *Scanner) sendProgress() {
	current, _ := s.currentPath.Load().(string)
	s.opts.OnProgress(Progress{
		DirsScanned:  s.dirsScanned.Load(),
		FilesScanned: s.filesScanned.Load(),
		Matched:      s.matched.Load(),
		BytesMatched: s.bytesMatched.Load(),
		CurrentPath:  current,
	})
}

func (s *Scanner) isIncluded(path string) bool {
	return s.opts.included(path)
}

func (s *Scanner) isExcluded(path string) bool {
	return s.opts.excluded(path)
}

// matchesExclusion reports whether path is pattern, lies under pattern, or
// matches it as a glob against the base name or the full path.
func matchesExclusion(path, pattern string) bool {
	if pattern == "" {
		return false
	}

	if path == pattern {
		return true
	}
	if len(path) > len(pattern) && path[:len(pattern)+1] == pattern+string(filepath.Separator) {
		return true
	}

	if matched, err := filepath.Match(pattern, filepath.Base(path)); err == nil && matched {
		return true
	}
	if matched, err := filepath.Match(pattern, path); err == nil && matched {
		return true
	}
	return false
}
