package job

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// File is a handle on a job input or output. A File is pending until the job producing it
// finishes, then either exists or has failed. It is never both.
//
// A temporary File is an output without a caller-chosen path; it is written to scratch space and
// moved into the content store once its job succeeds.
type File struct {
	Path        string
	Exists      bool
	Failed      bool
	IsTemporary bool
}

// NewFile returns a File for an existing path or content reference.
func NewFile(path string) *File {
	return &File{Path: path, Exists: true}
}

// NewTemporaryFile returns a pending output whose path is allocated when the job is declared.
func NewTemporaryFile() *File {
	return &File{IsTemporary: true}
}

func (f *File) String() string {
	if f.Path != "" {
		return fmt.Sprintf("hither.File(%s)", f.Path)
	}
	return "hither.File()"
}

func (f *File) markFailed() {
	f.Failed = true
	f.Exists = false
	f.IsTemporary = false
	f.Path = ""
}

func (f *File) copyFrom(other *File) {
	f.Path = other.Path
	f.Exists = other.Exists
	f.Failed = other.Failed
	f.IsTemporary = other.IsTemporary
}

const fileType = "File"

type fileJSON struct {
	HitherType  string  `json:"_hither_type"`
	Exists      bool    `json:"_exists"`
	Failed      bool    `json:"_failed"`
	IsTemporary bool    `json:"_is_temporary"`
	Path        *string `json:"_path"`
}

func (f *File) MarshalJSON() ([]byte, error) {
	wire := fileJSON{HitherType: fileType, Exists: f.Exists, Failed: f.Failed, IsTemporary: f.IsTemporary}
	if f.Path != "" {
		path := f.Path
		wire.Path = &path
	}
	return json.Marshal(wire)
}

func (f *File) UnmarshalJSON(data []byte) error {
	var wire fileJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WithStack(err)
	}
	if wire.HitherType != fileType {
		return errors.Errorf("unexpected hither type: %q", wire.HitherType)
	}
	*f = File{Exists: wire.Exists, Failed: wire.Failed, IsTemporary: wire.IsTemporary}
	if wire.Path != nil {
		f.Path = *wire.Path
	}
	return nil
}
