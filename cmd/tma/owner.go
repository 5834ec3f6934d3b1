package main

import (
	"errors"
	"os"
	"syscall"

	"github.com/soma-tiles/tma/internal/resultstore"
)

// runOwner returns the host and process ID recorded with new runs.
func runOwner() (string, int) {
	host, _ := os.Hostname()
	return host, os.Getpid()
}

// ownerAlive reports whether the process that executes a run may still be running.
// Runs owned by another host are assumed alive; runs without an owner are not.
func ownerAlive(r *resultstore.Run) bool {
	if r.Params.PID <= 0 {
		return false
	}
	host, pid := runOwner()
	if r.Params.Host != host {
		return true
	}
	if r.Params.PID == pid {
		return true
	}
	p, err := os.FindProcess(r.Params.PID)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
