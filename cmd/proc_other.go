//go:build !unix

package cmd

import (
	"os"
	"syscall"
)

func detachAttr() *syscall.SysProcAttr { return nil }

// processAlive is a best effort where signal 0 is unavailable: FindProcess
// opens a handle only for live processes.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
