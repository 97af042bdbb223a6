package contentstore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/util"
)

const hashMemoSize = 10000

// LocalStore keeps content under <dir>/sha1/<aa>/<bb>/<cc>/<hash>.
type LocalStore struct {
	dir string
	// Hashes of files already seen, keyed by path, size and modification time.
	hashMemo *lru.Cache
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("content store directory must be set")
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	memo, err := lru.New(hashMemoSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocalStore{dir: dir, hashMemo: memo}, nil
}

func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) StoreFile(path string) (string, error) {
	local, err := s.LoadFile(path)
	if err != nil {
		return "", err
	}
	hash, err := s.hashFile(local)
	if err != nil {
		return "", err
	}
	dest := s.pathForHash(hash)
	if !util.FileExists(dest) {
		tmp := filepath.Join(s.dir, "tmp", "store_"+util.NewShortId(12))
		if err := util.CopyFile(local, tmp); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", errors.WithStack(err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return "", errors.WithStack(err)
		}
	}
	return fmt.Sprintf("sha1://%s/%s", hash, filepath.Base(path)), nil
}

func (s *LocalStore) LoadFile(ref string) (string, error) {
	if !IsHashURL(ref) {
		if !util.FileExists(ref) {
			return "", &hithererrors.ErrNotFound{Type: "file", Value: ref}
		}
		return ref, nil
	}
	alg, hash, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if alg != "sha1" {
		return "", &hithererrors.ErrNotFound{Type: "file", Value: ref, Message: "only sha1 references can be loaded"}
	}
	path := s.pathForHash(hash)
	if !util.FileExists(path) {
		return "", &hithererrors.ErrNotFound{Type: "file", Value: ref}
	}
	return path, nil
}

func (s *LocalStore) GetFileInfo(pathOrRef string) (*FileInfo, error) {
	path, err := s.LoadFile(pathOrRef)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	hash, err := s.hashFile(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{Size: info.Size(), Sha1: hash}, nil
}

func (s *LocalStore) StoreObject(obj interface{}) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", errors.Wrap(err, "encoding object to store")
	}
	hash := sha1Hex(data)
	dest := s.pathForHash(hash)
	if !util.FileExists(dest) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", errors.WithStack(err)
		}
		tmp := filepath.Join(s.dir, "tmp", "store_"+util.NewShortId(12))
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", errors.WithStack(err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return "", errors.WithStack(err)
		}
	}
	return fmt.Sprintf("sha1://%s/object.json", hash), nil
}

func (s *LocalStore) LoadObject(ref string, out interface{}) error {
	path, err := s.LoadFile(ref)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decoding object %s", ref)
}

func (s *LocalStore) pathForHash(hash string) string {
	if len(hash) < 6 {
		return filepath.Join(s.dir, "sha1", hash)
	}
	return filepath.Join(s.dir, "sha1", hash[0:2], hash[2:4], hash[4:6], hash)
}

func (s *LocalStore) hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	key := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	if cached, ok := s.hashMemo.Get(key); ok {
		return cached.(string), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.WithStack(err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	s.hashMemo.Add(key, hash)
	log.Debugf("Computed sha1 of %s: %s", path, hash)
	return hash, nil
}
