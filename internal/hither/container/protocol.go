package container

import (
	"github.com/armadaproject/hither/internal/hither/job"
)

// Paths inside the container.
const (
	runDir       = "/run_in_container"
	storageMount = "/hither-storage"
	inputsDir    = "/inputs"
	outputsDir   = "/outputs"
	localModules = runDir + "/function_src/_local_modules"
	executableIn = runDir + "/hither"
)

// Files in the staging directory on the host, which is mounted at runDir.
const (
	requestFile    = "job.json"
	responseFile   = "result.json"
	entryScript    = "run.sh"
	stagedBinary   = "hither"
	outputsStaging = "outputs"
	functionSource = "function_src/_local_modules"
)

const dockerPrefix = "docker://"

// LocalModulesEnvVar points functions running in a container at the directory holding their local modules.
const LocalModulesEnvVar = "HITHER_LOCAL_MODULES"

// Request is written to job.json for the entry point inside the container.
type Request struct {
	Name           string                 `json:"name"`
	Label          string                 `json:"label"`
	Kwargs         map[string]interface{} `json:"kwargs"`
	TimeoutSeconds float64                `json:"timeout_seconds"`
}

// Response is the single result.json written by the entry point.
type Response struct {
	Retval      interface{}      `json:"retval"`
	Status      string           `json:"status"`
	RuntimeInfo *job.RuntimeInfo `json:"runtime_info"`
}
