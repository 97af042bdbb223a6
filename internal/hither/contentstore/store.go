// Package contentstore addresses files and JSON objects by the sha1 of their content.
//
// References have the form sha1://<hash>/<basename>. Plain local paths are accepted wherever a
// reference is, and resolve to themselves.
package contentstore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type FileInfo struct {
	Size int64  `json:"size"`
	Sha1 string `json:"sha1"`
}

type Store interface {
	// StoreFile copies the file at path into the store and returns its reference.
	StoreFile(path string) (string, error)
	// LoadFile returns a local path holding the content of ref.
	LoadFile(ref string) (string, error)
	GetFileInfo(pathOrRef string) (*FileInfo, error)
	// StoreObject stores the JSON encoding of obj and returns its reference.
	StoreObject(obj interface{}) (string, error)
	LoadObject(ref string, out interface{}) error
	// Dir is the root of the store on the local filesystem. Scratch files live under Dir()/tmp.
	Dir() string
}

var hashURLPrefixes = []string{"sha1://", "sha1dir://", "md5://", "md5dir://"}

func IsHashURL(path string) bool {
	for _, prefix := range hashURLPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ParseRef splits a reference into its algorithm and hash.
func ParseRef(ref string) (alg string, hash string, err error) {
	i := strings.Index(ref, "://")
	if i < 0 {
		return "", "", errors.Errorf("not a content reference: %s", ref)
	}
	alg = ref[:i]
	rest := ref[i+3:]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", "", errors.Errorf("content reference has no hash: %s", ref)
	}
	return alg, rest, nil
}

// ObjectHash returns the sha1 of the JSON encoding of obj. Map keys are encoded in sorted order,
// so equal objects hash equally.
func ObjectHash(obj interface{}) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", errors.Wrap(err, "encoding object to hash")
	}
	return sha1Hex(data), nil
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
