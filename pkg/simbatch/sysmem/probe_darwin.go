//go:build darwin

package sysmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func readSystem() (Snapshot, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: hw.memsize: %v", ErrUnavailable, err)
	}

	pageSize, errPage := unix.SysctlUint32("hw.pagesize")
	free, errFree := unix.SysctlUint32("vm.page_free_count")
	if errPage != nil || errFree != nil {
		// Without page counters assume half of physical memory is usable.
		return Snapshot{TotalBytes: int64(total), AvailableBytes: int64(total / 2)}, nil
	}

	avail := uint64(free) * uint64(pageSize)
	if avail > total {
		avail = total
	}
	return Snapshot{TotalBytes: int64(total), AvailableBytes: int64(avail)}, nil
}
