package configuration

import (
	"os"
	"strings"

	"github.com/armadaproject/hither/internal/common"
	commonconfig "github.com/armadaproject/hither/internal/common/config"
)

const (
	DefaultConfigPath = "./config/hither"

	StorageDirEnvVar       = "HITHER_STORAGE_DIR"
	LegacyStorageDirEnvVar = "KACHERY_STORAGE_DIR"
	SingularityEnvVar      = "HITHER_USE_SINGULARITY"
	PullImagesEnvVar       = "HITHER_PULL_DOCKER_IMAGES"
	DebugEnvVar            = "HITHER_DEBUG"
)

// Load reads the configuration from configPath and userPaths, applies the environment switches and
// validates the result.
func Load(configPath string, userPaths []string) (*HitherConfiguration, error) {
	var config HitherConfiguration
	if _, err := common.LoadConfig(&config, configPath, userPaths); err != nil {
		return nil, err
	}
	ApplyEnvironment(&config)
	if err := commonconfig.Validate(config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyEnvironment overrides config with the switches hither has always honored.
func ApplyEnvironment(config *HitherConfiguration) {
	if dir := os.Getenv(StorageDirEnvVar); dir != "" {
		config.StorageDir = dir
	} else if dir := os.Getenv(LegacyStorageDirEnvVar); dir != "" && config.StorageDir == "" {
		config.StorageDir = dir
	}
	if isTrue(SingularityEnvVar) {
		config.Container.UseSingularity = true
	}
	if isTrue(PullImagesEnvVar) {
		config.Container.PullImages = true
	}
	if isTrue(DebugEnvVar) {
		config.Debug = true
	}
}

func isTrue(envVar string) bool {
	return strings.EqualFold(os.Getenv(envVar), "TRUE")
}
