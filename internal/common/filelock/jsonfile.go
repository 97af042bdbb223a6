package filelock

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LockPath returns the sidecar lock file for path.
func LockPath(path string) string {
	return path + ".lock"
}

// ReadJSONFile decodes path into out under a shared lock on its sidecar.
// If decoding fails and deleteOnError is set, the file is removed so that the writer can try again.
func ReadJSONFile(path string, out interface{}, deleteOnError bool) error {
	return WithLock(LockPath(path), Shared, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			if deleteOnError {
				log.Warnf("Unable to decode %s, removing it", path)
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					log.WithError(rmErr).Warnf("Failed to remove %s", path)
				}
			}
			return errors.Wrapf(err, "decoding %s", path)
		}
		return nil
	})
}

// WriteJSONFile encodes obj into path under an exclusive lock on its sidecar.
func WriteJSONFile(path string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	return WithLock(LockPath(path), Exclusive, func() error {
		return errors.WithStack(os.WriteFile(path, data, 0o644))
	})
}

// Exists reports whether path exists, checked under a shared lock on its sidecar.
func Exists(path string) (bool, error) {
	exists := false
	err := WithLock(LockPath(path), Shared, func() error {
		_, err := os.Stat(path)
		if err == nil {
			exists = true
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithStack(err)
	})
	return exists, err
}

// WriteText writes text to path under an exclusive lock on its sidecar.
func WriteText(path string, text string) error {
	return WithLock(LockPath(path), Exclusive, func() error {
		return errors.WithStack(os.WriteFile(path, []byte(text), 0o644))
	})
}

// ReadText returns the content of path, read under a shared lock on its sidecar, and whether it exists.
func ReadText(path string) (string, bool, error) {
	var text string
	exists := false
	err := WithLock(LockPath(path), Shared, func() error {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		text = string(data)
		exists = true
		return nil
	})
	return text, exists, err
}

// Remove deletes path under an exclusive lock on its sidecar. A missing file is not an error.
func Remove(path string) error {
	return WithLock(LockPath(path), Exclusive, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
		return nil
	})
}

// CreateIfAbsent creates path containing text unless it already exists, under an exclusive lock.
// It returns true if this call created the file.
func CreateIfAbsent(path string, text string) (bool, error) {
	created := false
	err := WithLock(LockPath(path), Exclusive, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		created = true
		if _, err := f.WriteString(text); err != nil {
			f.Close()
			return errors.WithStack(err)
		}
		return errors.WithStack(f.Close())
	})
	return created, err
}
