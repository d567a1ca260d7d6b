package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (${} syntax)
//   - 2: modifier ("-" for default, "?" for error)
//   - 3: default value or error message
//   - 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// errMarker flags an unset ${VAR:?msg} reference inside expanded text.
const errMarker = "\x00MISSING:"

// Load builds the configuration. Sources, lowest precedence first:
// defaults, the YAML file at path (or the first file FindConfigFile
// returns when path is empty), environment variables (including .env and
// .env.local), and finally the OS keyring for the QR password when no
// password was configured anywhere else.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Default()

	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := parseYAML(data, cfg); err != nil {
			return nil, err
		}
		cfg.Path = path
		resolveRelativePaths(cfg, path)
		checkFilePermissions(path)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if cfg.WebUI.Password == "" && cfg.WebUI.PasswordHash == "" {
		cfg.WebUI.Password = GetKeyring(KeyWebUIPassword)
	}

	return cfg, nil
}

// parseYAML expands environment references in data and overlays the
// result onto cfg. Keys absent from the document keep their current value.
func parseYAML(data []byte, cfg *Config) error {
	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return fmt.Errorf("expanding environment variables: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing config YAML: %w", err)
	}
	return nil
}

// Save writes cfg as YAML. An existing file is copied to path+".bak" first
// and the new file is readable by the owner only.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations and returns the first
// existing file, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"chatbridge.yaml",
		"chatbridge.yml",
		"configs/config.yaml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env and .env.local. Existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset ${VAR} and
// $VAR references are kept as written; unset ${VAR:?msg} references are
// replaced by an error marker that expandEnvVarsWithValidation reports.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return errMarker + name + ":" + value + "\x00"
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset ${VAR:?msg} reference.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, errMarker)
	if idx == -1 {
		return result, nil
	}
	rest := result[idx+len(errMarker):]
	if end := strings.IndexByte(rest, 0); end != -1 {
		rest = rest[:end]
	}
	name, msg, _ := strings.Cut(rest, ":")
	return "", fmt.Errorf("config error: %s - %s", name, msg)
}

// resolveRelativePaths anchors relative file paths at the config file's
// directory so the service does not depend on its working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.WhatsApp.DatabasePath, dir)
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" || strings.HasPrefix(path, "file:") {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
