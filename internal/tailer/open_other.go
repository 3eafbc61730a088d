//go:build !windows

package tailer

import "os"

// openShared opens path for reading. Unix never blocks a concurrent writer,
// rename or unlink on an open handle.
func openShared(path string) (*os.File, error) {
	return os.Open(path)
}
