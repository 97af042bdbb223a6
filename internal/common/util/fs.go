package util

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RemoveAllWithRetries removes dir, retrying up to numRetries times with delay in between.
// Removal of directories on network filesystems fails intermittently while other processes release their handles.
func RemoveAllWithRetries(dir string, numRetries int, delay time.Duration) error {
	var err error
	for i := 1; i <= numRetries; i++ {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return nil
		}
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		if i < numRetries {
			log.Infof("Retrying to remove directory: %s", dir)
			time.Sleep(delay)
		}
	}
	return errors.Wrapf(err, "unable to remove directory after %d tries: %s", numRetries, dir)
}

// TemporaryDirectory creates a new directory under <parent>/tmp, or the system temp dir when parent is empty.
// The returned function removes it again unless keep is set.
func TemporaryDirectory(parent string, prefix string, keep bool) (string, func(), error) {
	base := os.TempDir()
	if parent != "" {
		base = filepath.Join(parent, "tmp")
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", nil, errors.WithStack(err)
		}
	}
	dir, err := os.MkdirTemp(base, prefix)
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	cleanup := func() {
		if keep {
			log.Infof("Keeping temporary directory %s", dir)
			return
		}
		if err := RemoveAllWithRetries(dir, 5, time.Second); err != nil {
			log.WithError(err).Warn("Failed to remove temporary directory")
		}
	}
	return dir, cleanup, nil
}

// CopyFile copies src to dst, creating the parent directory of dst if needed.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WithStack(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(out.Close())
}

// CopyDir recursively copies src into dst. Entries for which skip returns true are not copied.
func CopyDir(src, dst string, skip func(rel string, d os.DirEntry) bool) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skip != nil && skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return CopyFile(path, target)
	})
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
