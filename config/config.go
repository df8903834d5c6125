package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlinks/logging"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanlinks"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "LINKS_DATA_DIR"
	// DefaultPort is used for both sockets when the settings carry none.
	DefaultPort = 7470
	// DefaultBroadcastURI is the limited broadcast address.
	DefaultBroadcastURI = "255.255.255.255"
	// MaxSettingsSize bounds the settings text.
	MaxSettingsSize = 32 * 1024
	// IOTimeout bounds one settings read or write.
	IOTimeout = 10 * time.Second
	// configFileName is the persisted settings file.
	configFileName = "settings.json"
)

var (
	// ErrTooLarge indicates settings text over MaxSettingsSize.
	ErrTooLarge = errors.New("config: settings too large")
	// ErrInvalid indicates settings that parse but cannot be used.
	ErrInvalid = errors.New("config: invalid settings")
)

// ClientSettings is the local profile.
type ClientSettings struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	ImageHash string `json:"image-hash"`
}

// NetSettings holds the socket ports and the broadcast targets.
type NetSettings struct {
	TCPPort       int      `json:"tcp-port"`
	UDPPort       int      `json:"udp-port"`
	BroadcastURIs []string `json:"broadcast-uris"`
}

// Settings is the persisted configuration record.
type Settings struct {
	Client         ClientSettings `json:"client"`
	Net            NetSettings    `json:"net"`
	CacheDirectory string         `json:"cache-directory"`
	ShareDirectory string         `json:"share-directory"`
	LogLevel       string         `json:"log-level"`
	MDNS           bool           `json:"mdns"`
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	out := *s
	out.Net.BroadcastURIs = append([]string(nil), s.Net.BroadcastURIs...)
	return &out
}

// BroadcastTargets returns the normalized host:port broadcast targets,
// without duplicates.
func (s *Settings) BroadcastTargets() ([]string, error) {
	targets := make([]string, 0, len(s.Net.BroadcastURIs))
	seen := make(map[string]struct{}, len(s.Net.BroadcastURIs))
	for _, text := range s.Net.BroadcastURIs {
		target, err := NormalizeBroadcastURI(text, s.Net.UDPPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	return targets, nil
}

// Validate checks the fields the client cannot start without.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Client.ID) == "" {
		return fmt.Errorf("%w: client id is empty", ErrInvalid)
	}
	for name, port := range map[string]int{"tcp-port": s.Net.TCPPort, "udp-port": s.Net.UDPPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
		}
	}
	targets, err := s.BroadcastTargets()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no broadcast address", ErrInvalid)
	}
	return nil
}

// NormalizeBroadcastURI turns "host", "host:port" or "udp://host[:port]"
// into host:port, using port when the text carries none.
func NormalizeBroadcastURI(text string, port int) (string, error) {
	const prefix = "udp://"
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty broadcast uri", ErrInvalid)
	}
	if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
		trimmed = trimmed[len(prefix):]
	}

	parsed, err := url.Parse(prefix + trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast uri %q: %v", ErrInvalid, text, err)
	}
	if parsed.Hostname() == "" || (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", fmt.Errorf("%w: broadcast uri %q", ErrInvalid, text)
	}

	if portText := parsed.Port(); portText != "" {
		parsedPort, err := strconv.Atoi(portText)
		if err != nil || parsedPort <= 0 || parsedPort > 65535 {
			return "", fmt.Errorf("%w: broadcast uri %q port", ErrInvalid, text)
		}
		port = parsedPort
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: broadcast uri %q has no usable port", ErrInvalid, text)
	}
	return net.JoinHostPort(parsed.Hostname(), strconv.Itoa(port)), nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LINKS_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to settings.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory and the directories
// named by s.
func EnsureDataDirectories(dataDir string, s *Settings) error {
	dirs := []string{dataDir}
	if s != nil {
		dirs = append(dirs, s.CacheDirectory, s.ShareDirectory)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Parse decodes settings text. Missing fields are left empty; see Validate.
func Parse(raw []byte) (*Settings, error) {
	if len(raw) > MaxSettingsSize {
		return nil, ErrTooLarge
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &s, nil
}

// Load reads and parses the settings file.
func Load(ctx context.Context, path string) (*Settings, error) {
	raw, err := withIOTimeout(ctx, func() ([]byte, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, MaxSettingsSize+1))
	})
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(raw)
}

// Save marshals and writes the settings file.
func Save(ctx context.Context, path string, s *Settings) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	raw = append(raw, '\n')
	if len(raw) > MaxSettingsSize {
		return ErrTooLarge
	}

	_, err = withIOTimeout(ctx, func() ([]byte, error) {
		return nil, os.WriteFile(path, raw, 0o600)
	})
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and settings exist, then returns
// the settings and their path. A settings file that cannot be parsed is
// reported and left untouched; defaults are used instead.
func LoadOrCreate(ctx context.Context, dataDir string, logger *zap.Logger) (*Settings, string, error) {
	logger = logging.OrNop(logger)
	if err := EnsureDataDirectories(dataDir, nil); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(ctx, cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = Default(dataDir)
		if err := EnsureDataDirectories(dataDir, cfg); err != nil {
			return nil, "", err
		}
		if err := Save(ctx, cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	case err != nil:
		logger.Warn("settings unreadable, using defaults", zap.String("path", cfgPath), zap.Error(err))
		cfg = Default(dataDir)
		if err := EnsureDataDirectories(dataDir, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	updated := normalizeDefaults(cfg, dataDir)
	if err := cfg.Validate(); err != nil {
		logger.Warn("settings invalid, using defaults", zap.String("path", cfgPath), zap.Error(err))
		cfg = Default(dataDir)
		updated = false
	}
	if err := EnsureDataDirectories(dataDir, cfg); err != nil {
		return nil, "", err
	}
	if updated {
		if err := Save(ctx, cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Default returns fresh settings rooted at dataDir.
func Default(dataDir string) *Settings {
	cfg := &Settings{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// NewClientID returns a dash-less random id.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeDefaults(cfg *Settings, dataDir string) bool {
	updated := false

	if strings.TrimSpace(cfg.Client.ID) == "" {
		cfg.Client.ID = NewClientID()
		updated = true
	}

	if cfg.Client.Name == "" {
		name := "Links Client"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		cfg.Client.Name = name
		updated = true
	}

	if cfg.Net.TCPPort == 0 {
		cfg.Net.TCPPort = DefaultPort
		updated = true
	}
	if cfg.Net.UDPPort == 0 {
		cfg.Net.UDPPort = DefaultPort
		updated = true
	}
	if len(cfg.Net.BroadcastURIs) == 0 {
		cfg.Net.BroadcastURIs = []string{DefaultBroadcastURI}
		updated = true
	}

	if cfg.CacheDirectory == "" {
		cfg.CacheDirectory = filepath.Join(dataDir, "cache")
		updated = true
	}
	if cfg.ShareDirectory == "" {
		cfg.ShareDirectory = filepath.Join(dataDir, "share")
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}

func withIOTimeout(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, IOTimeout)
	defer cancel()

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := fn()
		done <- result{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
