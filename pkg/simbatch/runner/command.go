package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Placeholder is replaced by the job's path in command arguments.
const Placeholder = "{}"

// ErrNoCommand is returned when CommandFunc is given an empty argv.
var ErrNoCommand = errors.New("no command given")

// maxErrOutput bounds how much command output is quoted in an error.
const maxErrOutput = 512

// CommandFunc returns a Func that runs argv for each job. Every occurrence of
// Placeholder in an argument is replaced by the job path; when no argument
// contains it the path is appended. The job is also described to the command
// through SIMBATCH_JOB_ID, SIMBATCH_JOB_PATH and SIMBATCH_JOB_SIZE.
//
// Output is copied to out when it is non-nil. Writes from concurrent jobs
// are serialised but may interleave line by line.
func CommandFunc(argv []string, out io.Writer) (Func, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}

	var shared io.Writer
	if out != nil {
		shared = &lockedWriter{w: out}
	}

	return func(ctx context.Context, job Job) error {
		args := expandArgs(argv, job.Path)

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Env = append(os.Environ(),
			"SIMBATCH_JOB_ID="+job.ID,
			"SIMBATCH_JOB_PATH="+job.Path,
			"SIMBATCH_JOB_SIZE="+strconv.FormatInt(job.Size, 10),
		)

		var captured bytes.Buffer
		var w io.Writer = &captured
		if shared != nil {
			w = io.MultiWriter(shared, &captured)
		}
		cmd.Stdout = w
		cmd.Stderr = w

		if err := cmd.Run(); err != nil {
			if tail := tailOf(captured.Bytes(), maxErrOutput); tail != "" {
				return fmt.Errorf("%s: %w: %s", args[0], err, tail)
			}
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return nil
	}, nil
}

func expandArgs(argv []string, path string) []string {
	args := make([]string, 0, len(argv)+1)
	substituted := false
	for _, a := range argv {
		if strings.Contains(a, Placeholder) {
			a = strings.ReplaceAll(a, Placeholder, path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}
	return args
}

func tailOf(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
