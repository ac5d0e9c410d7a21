package pathing

import (
	"os"
	"path/filepath"
)

const (
	dataDirEnv   = "FLOWMETER_DATA_DIR"
	configDirEnv = "FLOWMETER_CONFIG_DIR"
)

// EnsureDirs creates the data and staging directories.
func EnsureDirs() error {
	for _, dir := range []string{GetDataDir(), GetStagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func GetQueueDbPath() string {
	return filepath.Join(GetDataDir(), "pending.db")
}

// GetStagingDir holds records waiting for a removable volume.
func GetStagingDir() string {
	return filepath.Join(GetDataDir(), "staging")
}

func GetAgentConfigPath() string {
	return filepath.Join(GetConfigDir(), "telemetry_agent.toml")
}

// GetSecretsPath is the env file holding channel credentials.
func GetSecretsPath() string {
	return filepath.Join(GetConfigDir(), "secrets.env")
}

func GetDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	return "/var/lib/flowmeter_telemetry"
}

func GetConfigDir() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return dir
	}
	return "/etc/flowmeter_telemetry"
}

func GetStatusWatchConfigPath() string {
	return filepath.Join(GetConfigDir(), "status_watch.toml")
}
