package commands

import (
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/moltbunker/peermesh/internal/config"
)

// ConfigPath is the --config flag value shared by all commands.
var ConfigPath string

// DefaultConfigPath returns ~/.peermesh/config.yaml.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(homeDir, ".peermesh", "config.yaml")
}

func resolveConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return DefaultConfigPath()
}

// loadConfig reads the selected config file, falling back to defaults when
// no file exists yet.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}
