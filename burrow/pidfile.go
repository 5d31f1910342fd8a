package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"
)

var pidFile = flag.String("pidfile", "", "Store the PID into a file")

// PidFileCreate atomically writes the current process id, creating the
// parent directory when needed.
func PidFileCreate() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(*pidFile), 0755); err != nil {
		return err
	}
	dlog.Debugf("Storing pid %d in [%s]", os.Getpid(), *pidFile)
	return safefile.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func PidFileRemove() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	return os.Remove(*pidFile)
}
