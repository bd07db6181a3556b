// Package config provides configuration management for cozylink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/cozyapp/cozylink/internal/constants"
)

// Config holds the client configuration shared by the CLI and the desktop
// shell embedding the core.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\cozylink\config.ini
//   - Unix: ~/.config/cozylink/config.ini
//
// INI format:
//
//	[server]
//	host = 127.0.0.1
//	port = 8188
//	use_tls = false
//	auth_token =
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 0
//	user =
//	password =
//	no_proxy =
//	warmup = false
//
//	[cache]
//	enabled = true
//	dir =
//	max_age_days = 30
type Config struct {
	// Generation server connection settings
	ServerHost string `ini:"host"`
	ServerPort int    `ini:"port"`
	UseTLS     bool   `ini:"use_tls"`

	// AuthToken is sent as a bearer token when set. Local servers need none;
	// reverse-proxied deployments commonly require one.
	AuthToken string `ini:"auth_token"`

	// Proxy settings for reaching remote servers from restricted networks
	ProxyMode     string `ini:"mode"` // no-proxy, system, basic, ntlm
	ProxyHost     string `ini:"host"`
	ProxyPort     int    `ini:"port"`
	ProxyUser     string `ini:"user"`
	ProxyPassword string `ini:"password"`
	NoProxy       string `ini:"no_proxy"`
	ProxyWarmup   bool   `ini:"warmup"`

	// Image cache settings
	CacheEnabled    bool   `ini:"enabled"`
	CacheDir        string `ini:"dir"` // empty = default under the user cache dir
	CacheMaxAgeDays int    `ini:"max_age_days"`
}

// Validation errors
var (
	ErrMissingServerHost = errors.New("server host is required")
	ErrInvalidServerPort = errors.New("server port must be between 1 and 65535")
	ErrInvalidProxyMode  = errors.New("proxy mode must be one of: no-proxy, system, basic, ntlm")
	ErrInvalidCacheAge   = errors.New("cache max_age_days must be between 1 and 3650")
)

// DefaultConfigPath returns the default path for the config file.
// - Windows: %USERPROFILE%\.config\cozylink\config.ini
// - Unix: ~/.config/cozylink/config.ini
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", constants.AppDirName)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", constants.AppDirName)
	}

	return filepath.Join(configDir, constants.ConfigFileName), nil
}

// DefaultImageCacheDir returns the default directory for cached generations.
// - Unix: ~/.cache/cozylink/images
// - elsewhere: the platform user cache dir + cozylink/images
func DefaultImageCacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get cache directory: %w", err)
	}
	return filepath.Join(cacheDir, constants.AppDirName, constants.ImageCacheDirName), nil
}

// New creates a Config with default values pointing at a local server.
func New() *Config {
	return &Config{
		ServerHost:      constants.DefaultServerHost,
		ServerPort:      constants.DefaultServerPort,
		UseTLS:          false,
		ProxyMode:       "no-proxy",
		CacheEnabled:    true,
		CacheMaxAgeDays: constants.ImageCacheDefaultMaxAgeDays,
	}
}

// Load loads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil // Return defaults if we can't determine path
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if config doesn't exist
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	serverSection := iniFile.Section("server")
	cfg.ServerHost = serverSection.Key("host").MustString(cfg.ServerHost)
	cfg.ServerPort = serverSection.Key("port").MustInt(cfg.ServerPort)
	cfg.UseTLS = serverSection.Key("use_tls").MustBool(false)
	cfg.AuthToken = serverSection.Key("auth_token").String()

	proxySection := iniFile.Section("proxy")
	cfg.ProxyMode = proxySection.Key("mode").MustString("no-proxy")
	cfg.ProxyHost = proxySection.Key("host").String()
	cfg.ProxyPort = proxySection.Key("port").MustInt(0)
	cfg.ProxyUser = proxySection.Key("user").String()
	cfg.ProxyPassword = proxySection.Key("password").String()
	cfg.NoProxy = proxySection.Key("no_proxy").String()
	cfg.ProxyWarmup = proxySection.Key("warmup").MustBool(false)

	cacheSection := iniFile.Section("cache")
	cfg.CacheEnabled = cacheSection.Key("enabled").MustBool(true)
	cfg.CacheDir = cacheSection.Key("dir").String()
	cfg.CacheMaxAgeDays = cacheSection.Key("max_age_days").MustInt(constants.ImageCacheDefaultMaxAgeDays)

	return cfg, nil
}

// Save saves configuration to an INI file.
// Creates parent directories if they don't exist.
// The auth token and proxy password are stored in the file, so the file is
// written with owner-only permissions.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	serverSection, err := iniFile.NewSection("server")
	if err != nil {
		return fmt.Errorf("failed to create server section: %w", err)
	}
	serverSection.Key("host").SetValue(cfg.ServerHost)
	serverSection.Key("port").SetValue(fmt.Sprintf("%d", cfg.ServerPort))
	serverSection.Key("use_tls").SetValue(fmt.Sprintf("%t", cfg.UseTLS))
	serverSection.Key("auth_token").SetValue(cfg.AuthToken)

	proxySection, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxySection.Key("mode").SetValue(cfg.ProxyMode)
	proxySection.Key("host").SetValue(cfg.ProxyHost)
	proxySection.Key("port").SetValue(fmt.Sprintf("%d", cfg.ProxyPort))
	proxySection.Key("user").SetValue(cfg.ProxyUser)
	proxySection.Key("password").SetValue(cfg.ProxyPassword)
	proxySection.Key("no_proxy").SetValue(cfg.NoProxy)
	proxySection.Key("warmup").SetValue(fmt.Sprintf("%t", cfg.ProxyWarmup))

	cacheSection, err := iniFile.NewSection("cache")
	if err != nil {
		return fmt.Errorf("failed to create cache section: %w", err)
	}
	cacheSection.Key("enabled").SetValue(fmt.Sprintf("%t", cfg.CacheEnabled))
	cacheSection.Key("dir").SetValue(cfg.CacheDir)
	cacheSection.Key("max_age_days").SetValue(fmt.Sprintf("%d", cfg.CacheMaxAgeDays))

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// Restrict permissions, the token and proxy password are sensitive
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is usable.
// Returns nil if valid, or an error describing what's wrong.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ServerHost) == "" {
		return ErrMissingServerHost
	}
	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		return ErrInvalidServerPort
	}

	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrInvalidProxyMode
	}

	if cfg.CacheEnabled {
		if cfg.CacheMaxAgeDays < 1 || cfg.CacheMaxAgeDays > 3650 {
			return ErrInvalidCacheAge
		}
	}

	return nil
}

// BaseURL returns the HTTP base URL of the generation server, no trailing
// slash.
func (cfg *Config) BaseURL() string {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.ServerHost, cfg.ServerPort)
}

// WebsocketURL returns the progress stream URL for the given client session.
func (cfg *Config) WebsocketURL(clientID string) string {
	scheme := "ws"
	if cfg.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws?clientId=%s", scheme, cfg.ServerHost, cfg.ServerPort, clientID)
}

// ParseServerAddr splits a host:port server override. A bare host keeps
// the default port.
func ParseServerAddr(addr string) (host string, port int, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, ErrMissingServerHost
	}

	host = addr
	port = constants.DefaultServerPort
	if i := strings.LastIndex(addr, ":"); i >= 0 && !strings.Contains(addr[i:], "]") {
		host = addr[:i]
		port, err = strconv.Atoi(addr[i+1:])
		if err != nil || port < 1 || port > 65535 {
			return "", 0, ErrInvalidServerPort
		}
	}
	if host == "" {
		return "", 0, ErrMissingServerHost
	}
	return host, port, nil
}

// ImageCacheDir returns the configured cache dir, falling back to the
// platform default when unset.
func (cfg *Config) ImageCacheDir() (string, error) {
	if strings.TrimSpace(cfg.CacheDir) != "" {
		return cfg.CacheDir, nil
	}
	return DefaultImageCacheDir()
}
