package migrate

import (
	"os"
	"syscall"
)

// CrossDevice makes every rename fail with EXDEV until restore is called.
func CrossDevice() (restore func()) {
	rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	return func() { rename = os.Rename }
}
