package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/common/shellscript"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/job"
)

type bind struct {
	outside string
	inside  string
}

// staging is the package prepared on the host for one container run.
type staging struct {
	dir string
	// Bind mounts for the inputs, in a stable order.
	binds []bind
	// Files written under <dir>/outputs inside the container, keyed by the host path they are copied to.
	outputs map[string]string
}

// stage writes the executable, local modules, job.json and run.sh into dir and works out which host
// paths must be mounted where.
func stage(dir string, executable string, rj *job.RunnableJob) (*staging, error) {
	s := &staging{dir: dir, outputs: map[string]string{}}

	if err := util.CopyFile(executable, filepath.Join(dir, stagedBinary)); err != nil {
		return nil, errors.Wrap(err, "staging executable")
	}
	if err := os.Chmod(filepath.Join(dir, stagedBinary), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, functionSource), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, module := range rj.LocalModules {
		path, err := filepath.Abs(module)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		target := filepath.Join(dir, functionSource, filepath.Base(path))
		if err := util.CopyDir(path, target, skipSource); err != nil {
			return nil, errors.Wrapf(err, "staging local module %s", module)
		}
	}

	kwargs := make(map[string]interface{}, len(rj.ResolvedKwargs))
	for k, v := range rj.ResolvedKwargs {
		kwargs[k] = v
	}
	for _, name := range rj.InputFileKeys {
		outside, ok := rj.ResolvedKwargs[name].(string)
		if !ok || contentstore.IsHashURL(outside) {
			continue
		}
		inside := fmt.Sprintf("%s/%s%s", inputsDir, name, rj.InputFileExtensions[name])
		kwargs[name] = inside
		s.binds = append(s.binds, bind{outside: outside, inside: inside})
	}
	if err := os.MkdirAll(filepath.Join(dir, outputsStaging), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, name := range rj.OutputFileKeys {
		outside, ok := rj.ResolvedKwargs[name].(string)
		if !ok {
			continue
		}
		fname := name + rj.OutputFileExtensions[name]
		kwargs[name] = outputsDir + "/" + fname
		s.outputs[outside] = filepath.Join(dir, outputsStaging, fname)
	}
	sort.Slice(s.binds, func(i, j int) bool { return s.binds[i].inside < s.binds[j].inside })

	request := Request{Name: rj.Name, Label: rj.Label, Kwargs: kwargs, TimeoutSeconds: rj.TimeoutSeconds}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "encoding container request")
	}
	if err := os.WriteFile(filepath.Join(dir, requestFile), data, 0o644); err != nil {
		return nil, errors.WithStack(err)
	}

	entry, err := shellscript.New(`
		#!/bin/bash
		set -e

		HITHER_STORAGE_DIR={storage} {modulesVar}={modules} HOME=$HOME {executable} run-in-container {request} {response}
	`, shellscript.Options{})
	if err != nil {
		return nil, err
	}
	entry.Substitute("{storage}", storageMount)
	entry.Substitute("{modulesVar}", LocalModulesEnvVar)
	entry.Substitute("{modules}", localModules)
	entry.Substitute("{executable}", executableIn)
	entry.Substitute("{request}", runDir+"/"+requestFile)
	entry.Substitute("{response}", runDir+"/"+responseFile)
	if err := entry.Write(filepath.Join(dir, entryScript)); err != nil {
		return nil, err
	}
	return s, nil
}

// skipSource excludes hidden and underscore-prefixed directories, tests and entry points from local modules.
func skipSource(rel string, d os.DirEntry) bool {
	name := d.Name()
	if d.IsDir() {
		return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
	}
	return name == "main.go" || name == "init.go" || strings.HasSuffix(name, "_test.go")
}

// outerScript returns the host-side script that runs the entry script in the container.
func (s *staging) outerScript(image string, containerName string, storageDir string, gpu bool, useSingularity bool) string {
	var script string
	var binds []string
	gpuOpt := ""
	if useSingularity {
		for _, b := range s.binds {
			binds = append(binds, fmt.Sprintf("-B %s:%s", b.outside, b.inside))
		}
		binds = append(binds, fmt.Sprintf("-B %s:%s", filepath.Join(s.dir, outputsStaging), outputsDir))
		if gpu {
			gpuOpt = " --nv"
		}
		script = `
			#!/bin/bash

			exec singularity exec -e --contain{gpu} \
				-B {storage}:{storageMount} \
				-B {dir}:{runDir} \
				-B /tmp:/tmp \
				-B $HOME:$HOME \
				{binds} \
				{image} \
				bash {runDir}/{entry}
		`
	} else {
		for _, b := range s.binds {
			binds = append(binds, fmt.Sprintf("-v %s:%s", b.outside, b.inside))
		}
		binds = append(binds, fmt.Sprintf("-v %s:%s", filepath.Join(s.dir, outputsStaging), outputsDir))
		if gpu {
			gpuOpt = " --gpus all"
		}
		image = strings.TrimPrefix(image, dockerPrefix)
		script = `
			#!/bin/bash

			exec docker run --rm --name {name}{gpu} \
				-v /etc/passwd:/etc/passwd -u $(id -u):$(id -g) \
				-v {storage}:{storageMount} \
				-v {dir}:{runDir} \
				-v /tmp:/tmp \
				-v $HOME:$HOME \
				{binds} \
				{image} \
				bash {runDir}/{entry}
		`
	}
	return strings.NewReplacer(
		"{name}", containerName,
		"{gpu}", gpuOpt,
		"{storage}", storageDir,
		"{storageMount}", storageMount,
		"{dir}", s.dir,
		"{runDir}", runDir,
		"{binds}", strings.Join(binds, " "),
		"{image}", image,
		"{entry}", entryScript,
	).Replace(script)
}

// copyOutputs copies the files the function wrote inside the container back to their host paths.
func (s *staging) copyOutputs() error {
	for outside, staged := range s.outputs {
		if err := util.CopyFile(staged, outside); err != nil {
			return errors.Wrapf(err, "copying output to %s", outside)
		}
	}
	return nil
}
