//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jedisct1/dlog"
)

// setupSignalHandler reloads the rule-file-backed plugins on SIGHUP without
// touching the listening sockets.
func setupSignalHandler(proxy *Proxy) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	go func() {
		for range sigChan {
			dlog.Notice("Received SIGHUP signal, reloading configurations")
			proxy.ReloadPlugins()
		}
	}()
}
