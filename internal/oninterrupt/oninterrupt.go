// Package oninterrupt installs a process-level signal handler for the
// duration of a critical section, e.g. while a transaction mutates prefixes.
package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Acquire installs fn as the handler for SIGINT/SIGTERM and returns the
// release function restoring the previous disposition. fn is invoked at most
// once, from a separate goroutine; typically it requests a graceful stop so
// in-flight work can finish and rollback can run.
func Acquire(fn func()) (release func()) {
	c := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			// Subsequent signals terminate immediately, which is useful in
			// case rollback hangs.
			signal.Stop(c)
			fn()
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(c)
			close(quit)
		})
	}
}
