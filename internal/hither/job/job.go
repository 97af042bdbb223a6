package job

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/contentstore"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

type Binding struct {
	Name string
	File *File
}

// Job is one declared invocation of a Template. Its execution policy is frozen when it is declared.
// Only the scheduler and the handler the job is bound to mutate it.
type Job struct {
	Id         string
	Name       string
	Version    string
	Label      string
	Template   *Template
	Parameters map[string]interface{}
	// In template declaration order.
	InputFiles  []Binding
	OutputFiles []Binding
	HashObject  HashObject
	Status      Status

	Container       string
	GPU             bool
	Timeout         time.Duration
	Cache           *CacheConfig
	CacheFailing    bool
	ForceRun        bool
	ExceptionOnFail bool
	// Nil means the job runs inline.
	Handler Handler

	result   *Result
	runnable *RunnableJob
	failure  error
}

// Declare validates kwargs against t and builds a pending job under the policy cfg.
// File arguments may be given as *File or as a path string. Temporary outputs get a scratch path under
// scratchDir. Keyword arguments that are neither files nor declared parameters become parameters.
func Declare(t *Template, kwargs map[string]interface{}, cfg Config, scratchDir string) (*Job, error) {
	j := &Job{
		Id:              util.NewULID(),
		Name:            t.Name,
		Version:         t.Version,
		Label:           t.Name,
		Template:        t,
		Parameters:      map[string]interface{}{},
		Status:          StatusPending,
		GPU:             boolOr(cfg.GPU, false),
		Cache:           cfg.Cache,
		CacheFailing:    boolOr(cfg.CacheFailing, false),
		ForceRun:        boolOr(cfg.ForceRun, false),
		ExceptionOnFail: boolOr(cfg.ExceptionOnFail, true),
		Handler:         cfg.Handler,
	}
	if cfg.Container != nil && *cfg.Container != "" {
		j.Container = t.resolveContainer(*cfg.Container)
	}
	if cfg.Timeout != nil && *cfg.Timeout > 0 {
		j.Timeout = *cfg.Timeout
	}

	used := map[string]bool{}
	for _, spec := range t.Inputs {
		used[spec.Name] = true
		f, err := fileArgument(spec.Name, kwargs[spec.Name])
		if err != nil {
			return nil, err
		}
		if f == nil {
			if spec.Required {
				return nil, &hithererrors.ErrConfiguration{Name: spec.Name, Message: "missing required input file"}
			}
			continue
		}
		j.InputFiles = append(j.InputFiles, Binding{Name: spec.Name, File: f})
	}

	for _, spec := range t.Outputs {
		used[spec.Name] = true
		f, err := fileArgument(spec.Name, kwargs[spec.Name])
		if err != nil {
			return nil, err
		}
		if f == nil {
			if spec.Required {
				return nil, &hithererrors.ErrConfiguration{Name: spec.Name, Message: "missing required output file"}
			}
			continue
		}
		if contentstore.IsHashURL(f.Path) {
			return nil, &hithererrors.ErrConfiguration{Name: spec.Name, Value: f.Path, Message: "output file cannot be a hash URI"}
		}
		if f.IsTemporary && f.Path == "" {
			f.Path = filepath.Join(scratchDir, "hither_tmp_hither_temporary_file_"+util.NewShortId(8))
		}
		// An output only exists once the job producing it has succeeded.
		f.Exists = false
		f.Failed = false
		j.OutputFiles = append(j.OutputFiles, Binding{Name: spec.Name, File: f})
	}

	for _, spec := range t.Parameters {
		used[spec.Name] = true
		val, ok := kwargs[spec.Name]
		if !ok || val == nil {
			if spec.Required {
				return nil, &hithererrors.ErrConfiguration{Name: spec.Name, Message: "missing required parameter"}
			}
			val = spec.Default
		}
		j.Parameters[spec.Name] = val
	}
	for k, v := range kwargs {
		if !used[k] {
			j.Parameters[k] = v
		}
	}

	normalized, err := normalizeJSON(j.Parameters)
	if err != nil {
		return nil, &hithererrors.ErrConfiguration{Name: "parameters", Message: "parameters must be JSON serializable: " + err.Error()}
	}
	outputNames := make([]string, len(j.OutputFiles))
	for i, b := range j.OutputFiles {
		outputNames[i] = b.Name
	}
	hashOutputNames := slices.Clone(outputNames)
	slices.Sort(hashOutputNames)
	hashObject, err := normalizeJSON(map[string]interface{}{
		"api_version":  apiVersion,
		"name":         t.Name,
		"version":      t.Version,
		"input_files":  map[string]interface{}{},
		"output_files": hashOutputNames,
		"parameters":   normalized,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	j.HashObject = HashObject(hashObject.(map[string]interface{}))

	j.result = &Result{
		Version:     t.Version,
		Container:   j.Container,
		HashObject:  j.HashObject,
		OutputNames: outputNames,
		Outputs:     map[string]*File{},
	}
	for _, b := range j.OutputFiles {
		j.result.Outputs[b.Name] = b.File
	}
	return j, nil
}

func fileArgument(name string, v interface{}) (*File, error) {
	switch f := v.(type) {
	case nil:
		return nil, nil
	case *File:
		if f == nil {
			return nil, nil
		}
		return f, nil
	case string:
		if f == "" {
			return nil, nil
		}
		return NewFile(f), nil
	default:
		return nil, &hithererrors.ErrConfiguration{Name: name, Value: v, Message: "file arguments must be a *File or a path"}
	}
}

// IsReady reports whether every input file exists.
func (j *Job) IsReady() bool {
	for _, b := range j.InputFiles {
		if !b.File.Exists {
			return false
		}
	}
	return true
}

// FailedInput returns the name of the first input whose producing job failed.
func (j *Job) FailedInput() (string, bool) {
	for _, b := range j.InputFiles {
		if b.File.Failed {
			return b.Name, true
		}
	}
	return "", false
}

func (j *Job) Output(name string) *File {
	for _, b := range j.OutputFiles {
		if b.Name == name {
			return b.File
		}
	}
	return nil
}

// Hash is the fingerprint of the job. It is final once the job has been prepared.
func (j *Job) Hash() (string, error) {
	return j.HashObject.Hash()
}

// FailDueToUpstream marks the job as failed without running it, because input could not be produced.
func (j *Job) FailDueToUpstream(input string) {
	j.result.Success = false
	j.result.Retval = nil
	j.result.Status = RunError
	for _, b := range j.OutputFiles {
		b.File.markFailed()
	}
	j.failure = &hithererrors.ErrUpstreamFailure{Job: j.Label, Input: input}
	j.Status = StatusError
}

// Prepare resolves input paths, following content references through store where the input asks for it,
// records the content hash of every input in the hash object and builds the runnable form of the job.
func (j *Job) Prepare(store contentstore.Store) error {
	resolved := map[string]interface{}{}
	rj := &RunnableJob{
		Id:                   j.Id,
		Name:                 j.Name,
		Version:              j.Version,
		Label:                j.Label,
		Container:            j.Container,
		GPU:                  j.GPU,
		TimeoutSeconds:       j.Timeout.Seconds(),
		ExceptionOnFail:      j.ExceptionOnFail,
		InputFileExtensions:  map[string]string{},
		OutputFileExtensions: map[string]string{},
		LocalModules:         j.Template.LocalModules,
	}
	inputHashes := j.HashObject.inputFiles()
	for _, spec := range j.Template.Inputs {
		b, ok := j.binding(j.InputFiles, spec.Name)
		if !ok {
			continue
		}
		if b.File.Path == "" {
			return &hithererrors.ErrConfiguration{Name: spec.Name, Message: "input file has no path"}
		}
		path := b.File.Path
		if contentstore.IsHashURL(path) && spec.Resolve {
			local, err := store.LoadFile(path)
			if err != nil {
				return errors.Wrapf(err, "unable to load input file %s: %s", spec.Name, path)
			}
			path = local
		}
		info, err := store.GetFileInfo(path)
		if err != nil {
			return errors.Wrapf(err, "unable to get info for input file %s: %s", spec.Name, path)
		}
		inputHashes[spec.Name] = map[string]interface{}{"sha1": info.Sha1}
		rj.InputFileKeys = append(rj.InputFileKeys, spec.Name)
		rj.InputFileExtensions[spec.Name] = filepath.Ext(b.File.Path)
		resolved[spec.Name] = path
	}
	for _, b := range j.OutputFiles {
		rj.OutputFileKeys = append(rj.OutputFileKeys, b.Name)
		rj.OutputFileExtensions[b.Name] = filepath.Ext(b.File.Path)
		resolved[b.Name] = b.File.Path
	}
	for k, v := range j.HashObject["parameters"].(map[string]interface{}) {
		resolved[k] = v
	}
	rj.ResolvedKwargs = resolved
	rj.Result = j.result
	j.runnable = rj
	return nil
}

func (j *Job) binding(bindings []Binding, name string) (Binding, bool) {
	for _, b := range bindings {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

// Runnable returns the form of the job handed to executors. The job must have been prepared.
func (j *Job) Runnable() (*RunnableJob, error) {
	if j.runnable == nil {
		return nil, errors.Errorf("job %s has not been prepared", j.Label)
	}
	return j.runnable, nil
}

// SetResult applies the outcome reported by an executor. Output files keep their identity, so that
// jobs declared on them see the new state, but they only become available through FinalizeOutputs.
func (j *Job) SetResult(r *Result) {
	j.result.RuntimeInfo = r.RuntimeInfo
	j.result.Container = r.Container
	j.result.Retval = r.Retval
	j.result.Success = r.Success
	j.result.Status = r.Status
	for _, name := range r.OutputNames {
		reported := r.Outputs[name]
		own := j.result.Outputs[name]
		if reported == nil || own == nil {
			continue
		}
		if reported != own {
			own.copyFrom(reported)
		}
	}
	if r.Success {
		j.Status = StatusFinished
	} else {
		j.Status = StatusError
	}
	if j.runnable != nil {
		j.runnable.Result = j.result
	}
}

// FinalizeOutputs makes the outputs of a finished job available. On success temporary outputs are moved
// into the content store and every output exists; on failure every output is marked failed.
func (j *Job) FinalizeOutputs(store contentstore.Store) error {
	if !j.result.Success {
		for _, b := range j.OutputFiles {
			if b.File.IsTemporary && b.File.Path != "" {
				_ = os.Remove(b.File.Path)
			}
			b.File.markFailed()
		}
		return nil
	}
	for _, b := range j.OutputFiles {
		f := b.File
		if f.Exists {
			continue
		}
		if !f.IsTemporary {
			f.Exists = true
			continue
		}
		ref, err := store.StoreFile(f.Path)
		if err != nil {
			return errors.Wrapf(err, "storing temporary output %s of %s", b.Name, j.Label)
		}
		stored, err := store.LoadFile(ref)
		if err != nil {
			return err
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("Failed to remove temporary output %s", f.Path)
		}
		f.Path = stored
		f.IsTemporary = false
		f.Exists = true
	}
	return nil
}

// AdoptCachedResult applies a result found in the cache. Cached outputs live in the content store;
// outputs the caller gave an explicit path are copied there.
func (j *Job) AdoptCachedResult(r *Result) error {
	for _, name := range r.OutputNames {
		cached := r.Outputs[name]
		own := j.result.Outputs[name]
		if cached == nil || own == nil || cached.Path == "" {
			continue
		}
		if own.IsTemporary {
			continue
		}
		if err := util.CopyFile(cached.Path, own.Path); err != nil {
			return errors.Wrapf(err, "copying cached output %s", name)
		}
		cached.Path = own.Path
	}
	j.SetResult(r)
	return nil
}

// Result returns the job's result. If the job failed and was declared with exception_on_fail, the
// failure is returned as well.
func (j *Job) Result() (*Result, error) {
	switch j.Status {
	case StatusFinished:
		return j.result, nil
	case StatusError:
		if !j.ExceptionOnFail {
			return j.result, nil
		}
		if j.failure != nil {
			return j.result, j.failure
		}
		failure := &hithererrors.ErrExecutionFailure{Job: j.Label, Status: j.result.Status}
		if ri := j.result.RuntimeInfo; ri != nil {
			failure.Message = ri.ErrorMessage
			failure.Console = ri.ConsoleOut.Tail(50)
		}
		return j.result, failure
	default:
		return j.result, errors.Errorf("job %s is %s", j.Label, j.Status)
	}
}
