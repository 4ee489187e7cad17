package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// addressSpaceHeadroom is added to the memory ceiling for RLIMIT_AS: the Go
	// runtime reserves virtual address space well beyond the live heap.
	addressSpaceHeadroom = 1 << 30
	maxOpenFiles         = 64
	maxFileSize          = 64 << 20
)

// applyLimits sets rlimits on the current process. Limits can only be lowered.
func applyLimits(l ResourceLimits) error {
	cpu := uint64(cpuLimit(l))
	return errors.Join(
		lowerLimit(unix.RLIMIT_CPU, cpu, cpu+2),
		lowerLimit(unix.RLIMIT_AS, uint64(memoryLimit(l))+addressSpaceHeadroom, uint64(memoryLimit(l))+addressSpaceHeadroom),
		lowerLimit(unix.RLIMIT_NOFILE, maxOpenFiles, maxOpenFiles),
		lowerLimit(unix.RLIMIT_FSIZE, maxFileSize, maxFileSize),
	)
}

func lowerLimit(resource int, soft, hard uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return fmt.Errorf("getrlimit %d: %w", resource, err)
	}
	if cur.Max != unix.RLIM_INFINITY && hard > cur.Max {
		hard = cur.Max
	}
	if soft > hard {
		soft = hard
	}
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard}); err != nil {
		return fmt.Errorf("setrlimit %d: %w", resource, err)
	}
	return nil
}
