package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".nrm-extra", "config.yaml"),
		"/etc/nrm-extra/agent.yaml",
	}
}
