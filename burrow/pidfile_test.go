package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/powerman/check"
)

func TestPidFileRoundTrip(tt *testing.T) {
	t := check.T(tt)

	previous := *pidFile
	defer func() { *pidFile = previous }()
	*pidFile = filepath.Join(tt.TempDir(), "run", "burrow.pid")

	t.Nil(PidFileCreate())
	contents, err := os.ReadFile(*pidFile)
	t.Nil(err)
	t.EQ(string(contents), strconv.Itoa(os.Getpid())+"\n")

	t.Nil(PidFileRemove())
	_, err = os.Stat(*pidFile)
	t.True(os.IsNotExist(err))
}

func TestPidFileDisabledByDefault(tt *testing.T) {
	t := check.T(tt)

	previous := *pidFile
	defer func() { *pidFile = previous }()
	*pidFile = ""

	t.Nil(PidFileCreate())
	t.Nil(PidFileRemove())
}
