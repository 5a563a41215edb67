//go:build linux

package sysmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func readSystem() (Snapshot, error) {
	f, err := os.Open("/proc/meminfo")
	if err == nil {
		defer f.Close()
		if snap, err := parseMeminfo(f); err == nil {
			return snap, nil
		}
	}

	// /proc may be masked inside some sandboxes.
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Snapshot{}, fmt.Errorf("%w: sysinfo: %v", ErrUnavailable, err)
	}
	unit := int64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := int64(info.Totalram) * unit
	avail := (int64(info.Freeram) + int64(info.Bufferram)) * unit
	if avail > total {
		avail = total
	}
	return Snapshot{TotalBytes: total, AvailableBytes: avail}, nil
}
