//go:build !windows

package transport

import "syscall"

// gracefulSignal returns the soft termination signal sent to child
// processes before the disconnect grace period expires.
func gracefulSignal() syscall.Signal {
	return syscall.SIGTERM
}
