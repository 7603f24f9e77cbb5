//go:build unix

package inbound

import (
	"fmt"
	"os"
	"syscall"
)

func checkOwner(info os.FileInfo, path string) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%w: cannot read owner of %s", ErrUnsafeCacheDir, path)
	}
	if me := os.Getuid(); int(st.Uid) != me {
		return fmt.Errorf("%w: %s belongs to uid %d, running as %d", ErrUnsafeCacheDir, path, st.Uid, me)
	}
	return nil
}
