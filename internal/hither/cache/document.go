package cache

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/consolecapture"
	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/job"
)

// ResultName is the name under which results are recorded in a cache backend.
const ResultName = "hither_result"

// Document is the cache form of a job result. Console output and output files are stored in the
// content store and referenced by hash.
type Document struct {
	Name        string             `json:"name"`
	Hash        string             `json:"hash"`
	HashObject  job.HashObject     `json:"hash_object"`
	RuntimeInfo *RuntimeInfo       `json:"runtime_info"`
	OutputNames []string           `json:"_output_names"`
	OutputFiles map[string]*string `json:"output_files"`
	Retval      interface{}        `json:"retval"`
	Success     bool               `json:"success"`
	Version     string             `json:"version"`
	Container   string             `json:"container"`
	Status      string             `json:"status"`
}

type RuntimeInfo struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	// Content reference of the captured console output.
	ConsoleOut           string       `json:"console_out"`
	ContainerRuntimeInfo *RuntimeInfo `json:"container_runtime_info,omitempty"`
}

type Query struct {
	Name string
	Hash string
}

// NewDocument converts result into its cache form, storing its console output and output files in store.
func NewDocument(store contentstore.Store, result *job.Result) (*Document, error) {
	hash, err := result.HashObject.Hash()
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Name:        ResultName,
		Hash:        hash,
		HashObject:  result.HashObject,
		OutputNames: result.OutputNames,
		OutputFiles: make(map[string]*string, len(result.OutputNames)),
		Retval:      result.Retval,
		Success:     result.Success,
		Version:     result.Version,
		Container:   result.Container,
		Status:      result.Status,
	}
	if result.RuntimeInfo != nil {
		if doc.RuntimeInfo, err = storeRuntimeInfo(store, result.RuntimeInfo); err != nil {
			return nil, err
		}
	}
	for _, name := range result.OutputNames {
		f := result.Outputs[name]
		if f == nil || f.Path == "" {
			doc.OutputFiles[name] = nil
			continue
		}
		ref, err := store.StoreFile(f.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "storing output %s", name)
		}
		doc.OutputFiles[name] = &ref
	}
	return doc, nil
}

func storeRuntimeInfo(store contentstore.Store, info *job.RuntimeInfo) (*RuntimeInfo, error) {
	ref, err := store.StoreObject(info.ConsoleOut)
	if err != nil {
		return nil, errors.Wrap(err, "storing console output")
	}
	stored := &RuntimeInfo{
		StartTime:    info.StartTime,
		EndTime:      info.EndTime,
		Status:       info.Status,
		ErrorMessage: info.ErrorMessage,
		ConsoleOut:   ref,
	}
	if info.ContainerRuntimeInfo != nil {
		if stored.ContainerRuntimeInfo, err = storeRuntimeInfo(store, info.ContainerRuntimeInfo); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// Result converts the document back into a result. It returns nil if the console output or any output
// file can no longer be found in store, in which case the document is unusable.
func (d *Document) Result(store contentstore.Store) (*job.Result, error) {
	result := &job.Result{
		Version:     d.Version,
		Container:   d.Container,
		HashObject:  d.HashObject,
		Retval:      d.Retval,
		Success:     d.Success,
		Status:      d.Status,
		OutputNames: d.OutputNames,
		Outputs:     make(map[string]*job.File, len(d.OutputNames)),
	}
	if d.RuntimeInfo != nil {
		info, err := loadRuntimeInfo(store, d.RuntimeInfo)
		if err != nil || info == nil {
			return nil, err
		}
		result.RuntimeInfo = info
	}
	for _, name := range d.OutputNames {
		ref := d.OutputFiles[name]
		if ref == nil {
			result.Outputs[name] = &job.File{Failed: !d.Success}
			continue
		}
		path, err := store.LoadFile(*ref)
		if hithererrors.IsNotFound(err) {
			log.Warnf("Unable to find output %s of cached %s: %s", name, ResultName, *ref)
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		result.Outputs[name] = job.NewFile(path)
	}
	return result, nil
}

func loadRuntimeInfo(store contentstore.Store, stored *RuntimeInfo) (*job.RuntimeInfo, error) {
	var console consolecapture.Output
	if err := store.LoadObject(stored.ConsoleOut, &console); hithererrors.IsNotFound(err) {
		log.Warnf("Unable to find console output of cached %s: %s", ResultName, stored.ConsoleOut)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	info := &job.RuntimeInfo{
		StartTime:    stored.StartTime,
		EndTime:      stored.EndTime,
		Status:       stored.Status,
		ErrorMessage: stored.ErrorMessage,
		ConsoleOut:   console,
	}
	if stored.ContainerRuntimeInfo != nil {
		container, err := loadRuntimeInfo(store, stored.ContainerRuntimeInfo)
		if err != nil || container == nil {
			return nil, err
		}
		info.ContainerRuntimeInfo = container
	}
	return info, nil
}
