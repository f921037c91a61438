package tprt

import (
	"fmt"
	"os"

	"github.com/coffeecupcoding/tprt/mlog"
)

var pidFilePath string

// WritePidFile writes the process id to path, failing if the file already
// exists: a pre-existing pid file means another instance may be running.
func WritePidFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating pid file: %w", err)
	}
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("writing pid file: %w", err)
	}
	pidFilePath = path
	return nil
}

// RemovePidFile removes the pid file written by WritePidFile, if any.
func RemovePidFile() {
	if pidFilePath == "" {
		return
	}
	err := os.Remove(pidFilePath)
	xlog.Check(err, "removing pid file", mlog.Field("path", pidFilePath))
	pidFilePath = ""
}
