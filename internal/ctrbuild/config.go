package ctrbuild

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config holds KEY=VALUE settings from the config file plus CTRBUILD_*
// environment overrides. Recognized keys:
//
//	CTRBUILD_EMULATOR          emulator binary for `run` (default "citra")
//	CTRBUILD_DEFAULT_ADDRESS   console address used when --address is omitted
//	CTRBUILD_XZ_LOGS           compress build logs to log.xz ("1"/"0")
//	CTRBUILD_R2_ACCOUNT_ID     publish target bucket credentials
//	CTRBUILD_R2_ACCESS_KEY_ID
//	CTRBUILD_R2_SECRET_ACCESS_KEY
//	CTRBUILD_R2_BUCKET_NAME
type Config struct {
	Values map[string]string
}

func configPath() string {
	if p := os.Getenv("CTRBUILD_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ctrbuild", "config.conf")
}

// Load the config file and apply defaults. A missing file is not an error;
// the environment alone is a valid configuration.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	if cfg.Values["CTRBUILD_EMULATOR"] == "" {
		cfg.Values["CTRBUILD_EMULATOR"] = "citra"
	}
	if cfg.Values["CTRBUILD_XZ_LOGS"] == "" {
		cfg.Values["CTRBUILD_XZ_LOGS"] = "1"
	}

	return cfg, nil
}

// Merge CTRBUILD_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "CTRBUILD_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}
