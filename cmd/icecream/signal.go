package main

import (
	"os"
	"os/signal"
	"syscall"
)

// terminalSignalCh returns a channel that fires on the signals that usually
// mean "stop this process", so the caller gets a chance at a graceful
// shutdown instead of an abrupt kill.
func terminalSignalCh() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return ch
}
