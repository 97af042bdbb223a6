package util

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// WithoutInterrupts runs fn while SIGINT and SIGTERM are caught and ignored, so that cleanup
// (stopping child processes, removing working directories) runs to completion.
func WithoutInterrupts(fn func() error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	defer func() {
		signal.Stop(signals)
		close(done)
	}()
	go func() {
		for {
			select {
			case sig := <-signals:
				log.Warnf("Received %s during cleanup, ignoring until cleanup is complete", sig)
			case <-done:
				return
			}
		}
	}()
	return fn()
}
