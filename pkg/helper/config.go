package helper

import (
	"os"
	"path/filepath"
)

// ConfigDirEnv names the environment variable that points at a configuration directory
const ConfigDirEnv = "COLLAB_CONFIG_DIR"

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check $COLLAB_CONFIG_DIR/{filename}
// 3. Check ./{filename} and ./configs/{filename}
// 4. Otherwise, fallback to /etc/collab/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}

	if filepath.IsAbs(filename) {
		return filename
	}

	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		if p := existingAbs(filepath.Join(dir, filename)); p != "" {
			return p
		}
	}

	currentDir, err := os.Getwd()
	if err == nil && currentDir != "" {
		for _, candidate := range []string{
			filepath.Join(currentDir, filename),
			filepath.Join(currentDir, "configs", filename),
		} {
			if p := existingAbs(candidate); p != "" {
				return p
			}
		}
	}

	// fallback
	return filepath.Join("/etc/collab", filename)
}

func existingAbs(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return abs
}
