//go:build !linux && !darwin

package sysmem

import (
	"fmt"

	"github.com/pbnjay/memory"
)

// readSystem reports physical memory on platforms without a native reader.
// FreeMemory is free rather than reclaimable memory, so the reading errs low.
func readSystem() (Snapshot, error) {
	total := memory.TotalMemory()
	if total == 0 {
		return Snapshot{}, fmt.Errorf("%w: total memory not reported", ErrUnavailable)
	}
	free := min(memory.FreeMemory(), total)
	return Snapshot{TotalBytes: int64(total), AvailableBytes: int64(free)}, nil
}
