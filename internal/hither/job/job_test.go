package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/hither/internal/common/consolecapture"
	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/pointer"
	"github.com/armadaproject/hither/internal/hither/contentstore"
)

func noop(ctx *Context, kwargs Kwargs) (interface{}, error) {
	return nil, nil
}

func countLinesTemplate() *Template {
	return NewTemplate("count_lines", "0.1.2", noop).
		Input("infile").
		Output("outfile").
		Parameter("x").
		OptionalParameter("y", 3)
}

func newStore(t *testing.T) *contentstore.LocalStore {
	store, err := contentstore.NewLocalStore(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	return store
}

func writeInput(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func declareAndPrepare(t *testing.T, store contentstore.Store, tmpl *Template, kwargs map[string]interface{}) *Job {
	j, err := Declare(tmpl, kwargs, Config{}, filepath.Join(store.Dir(), "tmp"))
	require.NoError(t, err)
	require.NoError(t, j.Prepare(store))
	return j
}

func TestDeclare_FingerprintIsDeterministic(t *testing.T) {
	store := newStore(t)
	input := writeInput(t, "a\nb\n")
	kwargs := func() map[string]interface{} {
		return map[string]interface{}{"infile": input, "outfile": NewTemporaryFile(), "x": 2, "extra": []string{"p", "q"}}
	}
	first := declareAndPrepare(t, store, countLinesTemplate(), kwargs())
	second := declareAndPrepare(t, store, countLinesTemplate(), kwargs())
	firstHash, err := first.Hash()
	require.NoError(t, err)
	secondHash, err := second.Hash()
	require.NoError(t, err)
	assert.Equal(t, firstHash, secondHash)

	// the same content under another path hashes the same
	other := writeInput(t, "a\nb\n")
	k := kwargs()
	k["infile"] = other
	third := declareAndPrepare(t, store, countLinesTemplate(), k)
	thirdHash, err := third.Hash()
	require.NoError(t, err)
	assert.Equal(t, firstHash, thirdHash)
}

func TestDeclare_FingerprintChanges(t *testing.T) {
	store := newStore(t)
	input := writeInput(t, "a\nb\n")
	base := func() map[string]interface{} {
		return map[string]interface{}{"infile": input, "outfile": NewTemporaryFile(), "x": 2}
	}
	baseHash, err := declareAndPrepare(t, store, countLinesTemplate(), base()).Hash()
	require.NoError(t, err)

	tests := map[string]struct {
		template *Template
		kwargs   func() map[string]interface{}
	}{
		"parameter value": {
			template: countLinesTemplate(),
			kwargs: func() map[string]interface{} {
				k := base()
				k["x"] = 3
				return k
			},
		},
		"default overridden": {
			template: countLinesTemplate(),
			kwargs: func() map[string]interface{} {
				k := base()
				k["y"] = 4
				return k
			},
		},
		"input content": {
			template: countLinesTemplate(),
			kwargs: func() map[string]interface{} {
				k := base()
				k["infile"] = writeInput(t, "different")
				return k
			},
		},
		"version": {
			template: func() *Template {
				tmpl := countLinesTemplate()
				tmpl.Version = "0.1.3"
				return tmpl
			}(),
			kwargs: base,
		},
		"extra keyword argument": {
			template: countLinesTemplate(),
			kwargs: func() map[string]interface{} {
				k := base()
				k["z"] = true
				return k
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			hash, err := declareAndPrepare(t, store, tc.template, tc.kwargs()).Hash()
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, hash)
		})
	}
}

func TestDeclare_HashObject(t *testing.T) {
	store := newStore(t)
	input := writeInput(t, "hello")
	j := declareAndPrepare(t, store, countLinesTemplate(), map[string]interface{}{
		"infile": input, "outfile": NewTemporaryFile(), "x": 2, "extra": "e",
	})
	expected := HashObject{
		"api_version":  "0.1.0",
		"name":         "count_lines",
		"version":      "0.1.2",
		"input_files":  map[string]interface{}{"infile": map[string]interface{}{"sha1": "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"}},
		"output_files": []interface{}{"outfile"},
		"parameters":   map[string]interface{}{"x": 2.0, "y": 3.0, "extra": "e"},
	}
	assert.Equal(t, expected, j.HashObject)
}

func TestDeclare_ConfigurationErrors(t *testing.T) {
	input := writeInput(t, "hello")
	tests := map[string]map[string]interface{}{
		"missing input":       {"outfile": NewTemporaryFile(), "x": 1},
		"missing output":      {"infile": input, "x": 1},
		"missing parameter":   {"infile": input, "outfile": NewTemporaryFile()},
		"hash uri output":     {"infile": input, "outfile": "sha1://abc/out.txt", "x": 1},
		"bad file argument":   {"infile": 7, "outfile": NewTemporaryFile(), "x": 1},
		"unserializable parm": {"infile": input, "outfile": NewTemporaryFile(), "x": func() {}},
	}
	for name, kwargs := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Declare(countLinesTemplate(), kwargs, Config{}, t.TempDir())
			var configErr *hithererrors.ErrConfiguration
			assert.ErrorAs(t, err, &configErr)
		})
	}
}

func TestDeclare_AppliesConfig(t *testing.T) {
	tmpl := NewTemplate("f", "1", noop).Container("default", "docker://example/image:1")
	cfg := Config{}.Merge(Config{
		Container:       pointer.Pointer("default"),
		ExceptionOnFail: pointer.Pointer(false),
		Timeout:         pointer.Pointer(30 * time.Second),
	}).Merge(Config{GPU: pointer.Pointer(true)})

	j, err := Declare(tmpl, nil, cfg, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "docker://example/image:1", j.Container)
	assert.False(t, j.ExceptionOnFail)
	assert.True(t, j.GPU)
	assert.Equal(t, 30*time.Second, j.Timeout)
	assert.Nil(t, j.Cache)

	j, err = Declare(tmpl, nil, Config{}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "", j.Container)
	assert.True(t, j.ExceptionOnFail)
	assert.Zero(t, j.Timeout)
	require.NoError(t, j.Prepare(newStore(t)))
	rj, err := j.Runnable()
	require.NoError(t, err)
	assert.Zero(t, rj.Timeout())
}

func TestDeclare_OutputsStartPending(t *testing.T) {
	scratch := t.TempDir()
	explicit := NewFile(filepath.Join(t.TempDir(), "out.txt"))
	temporary := NewTemporaryFile()
	tmpl := NewTemplate("f", "1", noop).Output("a").Output("b")
	j, err := Declare(tmpl, map[string]interface{}{"a": explicit, "b": temporary}, Config{}, scratch)
	require.NoError(t, err)

	assert.False(t, explicit.Exists)
	assert.False(t, temporary.Exists)
	assert.True(t, temporary.IsTemporary)
	assert.Equal(t, scratch, filepath.Dir(temporary.Path))
	assert.Same(t, temporary, j.Output("b"))
}

func TestJob_UpstreamFailurePropagates(t *testing.T) {
	scratch := t.TempDir()
	upstreamOut := NewTemporaryFile()
	upstream, err := Declare(NewTemplate("up", "1", noop).Output("out"), map[string]interface{}{"out": upstreamOut}, Config{}, scratch)
	require.NoError(t, err)
	downstreamOut := NewTemporaryFile()
	downstream, err := Declare(NewTemplate("down", "1", noop).Input("in").Output("out"),
		map[string]interface{}{"in": upstreamOut, "out": downstreamOut}, Config{}, scratch)
	require.NoError(t, err)
	assert.False(t, downstream.IsReady())

	upstream.SetResult(&Result{Success: false, Status: RunError, RuntimeInfo: &RuntimeInfo{Status: RunError, ErrorMessage: "boom"}})
	require.NoError(t, upstream.FinalizeOutputs(newStore(t)))
	assert.True(t, upstreamOut.Failed)
	assert.False(t, upstreamOut.Exists)

	input, failed := downstream.FailedInput()
	require.True(t, failed)
	assert.Equal(t, "in", input)
	downstream.FailDueToUpstream(input)
	assert.Equal(t, StatusError, downstream.Status)
	assert.True(t, downstreamOut.Failed)

	result, err := downstream.Result()
	var upstreamErr *hithererrors.ErrUpstreamFailure
	assert.ErrorAs(t, err, &upstreamErr)
	assert.False(t, result.Success)

	_, err = upstream.Result()
	var execErr *hithererrors.ErrExecutionFailure
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "boom", execErr.Message)
}

func TestJob_ResultWithoutExceptionOnFail(t *testing.T) {
	j, err := Declare(NewTemplate("f", "1", noop), nil, Config{ExceptionOnFail: pointer.Pointer(false)}, t.TempDir())
	require.NoError(t, err)
	_, err = j.Result()
	assert.Error(t, err)

	j.SetResult(&Result{Success: false, Status: RunError})
	result, err := j.Result()
	assert.NoError(t, err)
	assert.False(t, result.Success)
}

func TestJob_FinalizeMovesTemporaryOutputsIntoStore(t *testing.T) {
	store := newStore(t)
	out := NewTemporaryFile()
	j := declareAndPrepare(t, store, NewTemplate("f", "1", noop).Output("out"), map[string]interface{}{"out": out})
	scratchPath := out.Path
	require.NoError(t, os.WriteFile(scratchPath, []byte("result"), 0o644))

	j.SetResult(&Result{Success: true, Status: RunFinished, OutputNames: []string{"out"}, Outputs: map[string]*File{"out": out}})
	assert.False(t, out.Exists)
	require.NoError(t, j.FinalizeOutputs(store))

	assert.True(t, out.Exists)
	assert.False(t, out.IsTemporary)
	assert.NotEqual(t, scratchPath, out.Path)
	_, err := os.Stat(scratchPath)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, "result", string(data))
}

func TestJob_PrepareResolvesContentReferences(t *testing.T) {
	store := newStore(t)
	ref, err := store.StoreFile(writeInput(t, "hello"))
	require.NoError(t, err)
	tmpl := NewTemplate("f", "1", noop).Input("resolved").UnresolvedInput("raw")
	j := declareAndPrepare(t, store, tmpl, map[string]interface{}{"resolved": ref, "raw": ref})
	rj, err := j.Runnable()
	require.NoError(t, err)

	local, err := store.LoadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, local, rj.ResolvedKwargs["resolved"])
	assert.Equal(t, ref, rj.ResolvedKwargs["raw"])
	assert.Equal(t, []string{"resolved", "raw"}, rj.InputFileKeys)
	assert.Equal(t, ".txt", rj.InputFileExtensions["raw"])
}

func TestFile_JSON(t *testing.T) {
	tests := map[string]*File{
		"exists":    NewFile("/data/x.txt"),
		"temporary": {Path: "/storage/tmp/t", IsTemporary: true},
		"failed":    {Failed: true},
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(f)
			require.NoError(t, err)
			var wire map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &wire))
			assert.Equal(t, "File", wire["_hither_type"])

			var decoded File
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, *f, decoded)
		})
	}

	var f File
	assert.Error(t, json.Unmarshal([]byte(`{"_hither_type":"Other"}`), &f))
}

func TestResult_WireRoundTrip(t *testing.T) {
	start := time.Date(2020, 3, 1, 12, 0, 0, 123, time.UTC)
	original := &Result{
		Version:    "0.1.0",
		Container:  "docker://image",
		HashObject: HashObject{"name": "square", "parameters": map[string]interface{}{"x": 4.0}},
		RuntimeInfo: &RuntimeInfo{
			StartTime: start,
			EndTime:   start.Add(time.Second),
			Status:    RunFinished,
			ConsoleOut: consolecapture.Output{
				Label: "square",
				Lines: []consolecapture.Line{{Timestamp: start, Text: "computing"}},
			},
			ContainerRuntimeInfo: &RuntimeInfo{StartTime: start, EndTime: start, Status: RunFinished, ConsoleOut: consolecapture.Output{Lines: []consolecapture.Line{}}},
		},
		Retval:      map[string]interface{}{"value": 16.0},
		Success:     true,
		Status:      RunFinished,
		OutputNames: []string{"out"},
		Outputs:     map[string]*File{"out": NewFile("/storage/sha1/aa/bb/cc/x")},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	square := NewTemplate("square", "1", noop)
	require.NoError(t, registry.Register(square, NewTemplate("add", "1", noop)))
	require.NoError(t, registry.Register(square))
	assert.Error(t, registry.Register(NewTemplate("square", "2", noop)))
	assert.Error(t, registry.Register(NewTemplate("nofunc", "1", nil)))

	got, err := registry.Get("square")
	require.NoError(t, err)
	assert.Same(t, square, got)
	_, err = registry.Get("missing")
	assert.True(t, hithererrors.IsNotFound(err))
	assert.Equal(t, []string{"add", "square"}, registry.Names())
}

func TestKwargs(t *testing.T) {
	k := Kwargs{"f": 2.0, "i": 3, "s": "5", "b": true, "frac": 2.5, "list": []int{1}}
	f, err := k.Float64("f")
	require.NoError(t, err)
	assert.Equal(t, 2.0, f)
	i, err := k.Int("i")
	require.NoError(t, err)
	assert.Equal(t, 3, i)
	i, err = k.Int("f")
	require.NoError(t, err)
	assert.Equal(t, 2, i)
	s, err := k.Float64("s")
	require.NoError(t, err)
	assert.Equal(t, 5.0, s)
	_, err = k.Int("frac")
	assert.Error(t, err)
	_, err = k.Float64("list")
	assert.Error(t, err)
	_, err = k.Float64("missing")
	assert.Error(t, err)
	assert.True(t, k.Bool("b"))
	assert.Equal(t, "5", k.String("s"))
	assert.Equal(t, "3", k.String("i"))
	assert.Equal(t, "", k.String("missing"))
}
