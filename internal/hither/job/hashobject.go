package job

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/hither/contentstore"
)

const apiVersion = "0.1.0"

// HashObject is the canonical description of a job: api version, name, version, content hashes of
// its inputs, names of its outputs and parameter values. Its hash keys the result cache.
type HashObject map[string]interface{}

func (h HashObject) Hash() (string, error) {
	return contentstore.ObjectHash(h)
}

func (h HashObject) inputFiles() map[string]interface{} {
	inputs, _ := h["input_files"].(map[string]interface{})
	return inputs
}

// normalizeJSON round-trips v through JSON, so that in-memory values compare equal to decoded ones
// and values that cannot be serialized are rejected up front.
func normalizeJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
