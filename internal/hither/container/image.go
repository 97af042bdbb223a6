package container

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/shellscript"
)

// Prepare makes image available before the first job using it runs: singularity images are built
// and docker images pulled when PullImages is set. Each image is prepared once per process.
func (r *Runner) Prepare(image string) error {
	if image == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepared[image] {
		return nil
	}
	var script string
	switch {
	case r.config.UseSingularity:
		log.Infof("Building singularity container %s", image)
		script = "#!/bin/bash\n\nexec singularity run " + image + " echo \"built " + image + "\"\n"
	case r.config.PullImages:
		log.Infof("Pulling docker image %s", image)
		script = "#!/bin/bash\n\nexec docker pull " + strings.TrimPrefix(image, dockerPrefix) + "\n"
	default:
		r.prepared[image] = true
		return nil
	}
	ss, err := shellscript.New(script, shellscript.Options{})
	if err != nil {
		return err
	}
	if err := ss.Start(); err != nil {
		return err
	}
	if code, _ := ss.Wait(0); code != 0 {
		return errors.Errorf("problem preparing container %s: exit code %d", image, code)
	}
	r.prepared[image] = true
	return nil
}
