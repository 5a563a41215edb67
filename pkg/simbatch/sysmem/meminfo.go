package sysmem

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseMeminfo reads a /proc/meminfo style listing. MemAvailable is preferred;
// kernels older than 3.14 lack it, so free+buffers+cached stands in.
func parseMeminfo(r io.Reader) (Snapshot, error) {
	fields := make(map[string]int64)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		// MemTotal:       16384256 kB
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		v, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if len(parts) > 1 && strings.EqualFold(parts[1], "kB") {
			v *= 1024
		}
		fields[key] = v
	}
	if err := sc.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: reading meminfo: %v", ErrUnavailable, err)
	}

	total, ok := fields["MemTotal"]
	if !ok || total <= 0 {
		return Snapshot{}, fmt.Errorf("%w: MemTotal missing", ErrUnavailable)
	}

	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	if avail > total {
		avail = total
	}

	return Snapshot{TotalBytes: total, AvailableBytes: avail}, nil
}
