// Package setup registers the reconciliation MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/irt-reconciliation-engine/internal/config"
)

// ServerName is the key the server is registered under in the client config.
const ServerName = "irt-reconciliation"

const binaryName = "mcp-server"

// ClientConfig mirrors the mcpServers section of a desktop client's config file.
// Unknown top-level keys are preserved on save.
type ClientConfig struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`
	extra      map[string]json.RawMessage
}

// ServerEntry is one launchable MCP server.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls registration.
type Options struct {
	ConfigPath    string // client config file; resolved per OS when empty
	BinaryPath    string
	DataDir       string
	ReferralsFile string
}

// DefaultClientConfigPath returns the desktop client's config file location for this OS.
func DefaultClientConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "Claude")
		} else {
			dir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return filepath.Join(dir, "claude_desktop_config.json"), nil
}

// LoadClientConfig reads the client config. A missing file yields an empty config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{MCPServers: map[string]ServerEntry{}, extra: map[string]json.RawMessage{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.extra); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := cfg.extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(cfg.extra, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerEntry{}
	}
	return cfg, nil
}

// Save writes the config back, creating its directory if needed.
func (c *ClientConfig) Save(path string) error {
	out := make(map[string]interface{}, len(c.extra)+1)
	for k, v := range c.extra {
		out[k] = v
	}
	out["mcpServers"] = c.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or replaces the reconciliation server entry and returns the path written.
func Register(opts Options) (string, error) {
	path := opts.ConfigPath
	if path == "" {
		var err error
		if path, err = DefaultClientConfigPath(); err != nil {
			return "", err
		}
	}

	binary := opts.BinaryPath
	if binary == "" {
		var err error
		if binary, err = findBinary(); err != nil {
			return "", fmt.Errorf("could not find server binary: %w", err)
		}
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		return "", err
	}

	entry := ServerEntry{Command: binary, Env: map[string]string{}}
	if opts.DataDir != "" {
		entry.Env["IRT_DATA_DIR"] = opts.DataDir
	}
	if opts.ReferralsFile != "" {
		entry.Env["IRT_REFERRALS_FILE"] = opts.ReferralsFile
	}
	cfg.MCPServers[ServerName] = entry

	if err := cfg.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

func findBinary() (string, error) {
	if path, err := exec.LookPath(binaryName); err == nil {
		return path, nil
	}
	home, _ := os.UserHomeDir()
	for _, loc := range []string{
		"./" + binaryName,
		"./build/" + binaryName,
		filepath.Join(home, ".local", "bin", binaryName),
		"/usr/local/bin/" + binaryName,
	} {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary '%s' not found in common locations", binaryName)
}

// Status describes what is registered and what is missing.
type Status struct {
	ConfigPath    string   `json:"config_path"`
	Registered    bool     `json:"registered"`
	BinaryPath    string   `json:"binary_path,omitempty"`
	DataDir       string   `json:"data_dir"`
	ReferralsFile string   `json:"referrals_file"`
	Issues        []string `json:"issues,omitempty"`
}

// OK reports whether the registration has no blocking issues.
func (s Status) OK() bool {
	return s.Registered && len(s.Issues) == 0
}

// GetStatus inspects the client config at path and the files the server will need.
func GetStatus(path string) (*Status, error) {
	if path == "" {
		var err error
		if path, err = DefaultClientConfigPath(); err != nil {
			return nil, err
		}
	}

	status := &Status{ConfigPath: path}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}

	lite := config.DefaultLiteConfig()
	entry, ok := cfg.MCPServers[ServerName]
	if ok {
		status.Registered = true
		status.BinaryPath = entry.Command
		if dir := entry.Env["IRT_DATA_DIR"]; dir != "" {
			lite.DataDir = dir
		}
		lite.ReferralsFile = entry.Env["IRT_REFERRALS_FILE"]

		info, err := os.Stat(entry.Command)
		switch {
		case err != nil:
			status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
		case info.Mode()&0o111 == 0:
			status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
		}
	}

	status.DataDir = lite.DataDir
	status.ReferralsFile = lite.ReferralsPath()
	if _, err := os.Stat(status.ReferralsFile); err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("referrals file not found: %s", status.ReferralsFile))
	}
	return status, nil
}
