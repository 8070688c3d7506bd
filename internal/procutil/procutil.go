// Package procutil provides small OS process helpers.
package procutil

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Terminate kills the process with the given pid. It is idempotent and
// tolerates a pid that already exited: both cases return nil.
func Terminate(pid int) error {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !exists {
		return nil
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// The process exited between the existence check and here.
		return nil
	}

	err = p.Kill()
	if err == nil || alreadyGone(err) {
		return nil
	}
	return fmt.Errorf("killing pid %d: %w", pid, err)
}

func alreadyGone(err error) bool {
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, process.ErrorProcessNotRunning) {
		return true
	}
	return strings.Contains(err.Error(), "process already finished")
}
