package inbound

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafeCacheDir marks a media directory that other users could read or
// redirect.
var ErrUnsafeCacheDir = errors.New("unsafe media cache dir")

const cacheDirPerm fs.FileMode = 0o700

// EnsureCacheDir prepares the media download directory and returns its
// absolute path. The directory must be a real directory owned by the
// current user; its mode is tightened to 0700.
func EnsureCacheDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("media cache dir is not set")
	}
	path, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve media cache dir: %w", err)
	}

	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, cacheDirPerm); err != nil {
			return "", fmt.Errorf("create media cache dir: %w", err)
		}
		if info, err = os.Lstat(path); err != nil {
			return "", fmt.Errorf("stat media cache dir: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("stat media cache dir: %w", err)
	}

	switch mode := info.Mode(); {
	case mode&fs.ModeSymlink != 0:
		return "", fmt.Errorf("%w: %s is a symlink", ErrUnsafeCacheDir, path)
	case !mode.IsDir():
		return "", fmt.Errorf("%w: %s is not a directory", ErrUnsafeCacheDir, path)
	}
	if err := checkOwner(info, path); err != nil {
		return "", err
	}
	if info.Mode().Perm() != cacheDirPerm {
		if err := os.Chmod(path, cacheDirPerm); err != nil {
			return "", fmt.Errorf("%w: %s has mode %#o: %v", ErrUnsafeCacheDir, path, info.Mode().Perm(), err)
		}
	}
	return path, nil
}
