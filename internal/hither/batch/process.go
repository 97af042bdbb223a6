package batch

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/shellscript"
	"github.com/armadaproject/hither/internal/common/util"
)

const (
	workerScriptName  = "execute_batch_srun.sh"
	processPollPeriod = 200 * time.Millisecond
	stopTimeout       = 5 * time.Second
)

// taskProcess starts and supervises the worker tasks of one batch: a single srun, or one local
// process per worker.
type taskProcess struct {
	dir     string
	config  Config
	scripts []*shellscript.ShellScript
}

func (p *taskProcess) start() error {
	workerScriptPath := filepath.Join(p.dir, workerScriptName)
	workerScript, err := shellscript.New(`
		#!/bin/bash

		exec {command} --working-dir {dir} --num-workers {numWorkers}
	`, shellscript.Options{ScriptPath: workerScriptPath})
	if err != nil {
		return err
	}
	workerScript.Substitute("{command}", strings.Join(p.config.WorkerCommand, " "))
	workerScript.Substitute("{dir}", p.dir)
	workerScript.Substitute("{numWorkers}", p.config.WorkersPerBatch)
	if err := workerScript.Write(""); err != nil {
		return err
	}

	n := p.config.WorkersPerBatch
	script := localScript(p.config.CoresPerJob, workerScriptPath)
	if p.config.UseSlurm {
		n = 1
		script = srunScript(p.config, workerScriptPath)
	}
	for i := 0; i < n; i++ {
		ss, err := shellscript.New(script, shellscript.Options{Label: filepath.Base(p.dir), Env: p.config.Env})
		if err != nil {
			return err
		}
		if err := ss.Start(); err != nil {
			return err
		}
		p.scripts = append(p.scripts, ss)
	}
	return nil
}

func srunOpts(config Config) []string {
	opts := append([]string{}, config.SrunOpts...)
	opts = append(opts, fmt.Sprintf("-n %d", config.WorkersPerBatch), fmt.Sprintf("-c %d", config.CoresPerJob))
	if config.TimeLimit > 0 {
		opts = append(opts, fmt.Sprintf("--time %d", int(math.Round(config.TimeLimit.Minutes()))+1))
	}
	return opts
}

// srunScript forwards SIGINT and SIGTERM to srun as two SIGINTs, which is what srun needs to cancel its tasks.
func srunScript(config Config, workerScriptPath string) string {
	return strings.NewReplacer(
		"{srunOpts}", strings.Join(srunOpts(config), " "),
		"{workerScript}", workerScriptPath,
		"{cores}", fmt.Sprint(config.CoresPerJob),
	).Replace(`
		#!/bin/bash
		set -e

		_term() {
			echo "Terminating srun process..."
			kill -INT "$srun_pid" 2>/dev/null
			sleep 0.3
			kill -INT "$srun_pid" 2>/dev/null
		}

		trap _term SIGINT SIGTERM

		export NUM_WORKERS={cores}
		export MKL_NUM_THREADS=$NUM_WORKERS
		export NUMEXPR_NUM_THREADS=$NUM_WORKERS
		export OMP_NUM_THREADS=$NUM_WORKERS

		export DISPLAY=""

		srun {srunOpts} {workerScript} &
		srun_pid=$!
		wait $srun_pid
	`)
}

func localScript(cores int, workerScriptPath string) string {
	return strings.NewReplacer(
		"{workerScript}", workerScriptPath,
		"{cores}", fmt.Sprint(cores),
	).Replace(`
		#!/bin/bash
		set -e

		export NUM_WORKERS={cores}
		export MKL_NUM_THREADS=$NUM_WORKERS
		export NUMEXPR_NUM_THREADS=$NUM_WORKERS
		export OMP_NUM_THREADS=$NUM_WORKERS

		export DISPLAY=""

		exec {workerScript}
	`)
}

// wait returns true once every task has exited, or false after timeout.
func (p *taskProcess) wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !util.FileExists(p.dir) {
			log.Warnf("Stopping tasks of %s because its working directory does not exist", p.dir)
			p.halt()
		}
		finished := true
		for _, ss := range p.scripts {
			if !ss.IsFinished() {
				finished = false
			}
		}
		if finished {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(processPollPeriod)
	}
}

func (p *taskProcess) halt() {
	for _, ss := range p.scripts {
		if !ss.IsFinished() && !ss.StopWithSignal(syscall.SIGTERM, stopTimeout) {
			log.Warnf("Unable to stop tasks of %s", p.dir)
		}
	}
}
