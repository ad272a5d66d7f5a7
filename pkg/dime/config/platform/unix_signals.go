//go:build unix

// Package platform maps signal names onto the running platform's numbers.
package platform

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type Signal = unix.Signal

// SignalNum returns the signal called name, such as "SIGHUP", or 0 when the
// platform has no such signal.
func SignalNum(name string) Signal {
	return unix.SignalNum(name)
}

func FromOsSignal(sig os.Signal) Signal {
	if s, ok := sig.(syscall.Signal); ok {
		return Signal(s)
	}

	return Signal(0)
}

// Raise sends sig to the current process.
func Raise(sig Signal) error {
	return unix.Kill(os.Getpid(), sig)
}
