package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/synche-io/synche/internal/utils"
)

const (
	DefaultTransportPort = 42882
	DefaultDiscoveryPort = 42881
	DefaultAdminPort     = 42880
)

// Dir returns the synche state directory under the OS config dir
// ($XDG_CONFIG_HOME/synche, ~/Library/Application Support/synche,
// %AppData%\synche).
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "synche"), nil
}

// Config is the persisted daemon configuration. Admin commands mutate it at
// runtime, so access is guarded.
type Config struct {
	HomePath      string   `json:"home_path" mapstructure:"home_path"`
	Directories   []string `json:"directories" mapstructure:"directories"`
	TransportPort int      `json:"transport_port" mapstructure:"transport_port"`
	DiscoveryPort int      `json:"discovery_port" mapstructure:"discovery_port"`
	AdminPort     int      `json:"admin_port" mapstructure:"admin_port"`
	Path          string   `json:"-" mapstructure:"config_path"`

	mu sync.Mutex
}

func (c *Config) Validate() error {
	if c.Path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		c.Path = filepath.Join(dir, "config.json")
	}

	if c.HomePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		c.HomePath = filepath.Join(home, "Synche")
	}

	var err error
	c.HomePath, err = utils.ResolvePath(c.HomePath)
	if err != nil {
		return fmt.Errorf("home path: %w", err)
	}

	if c.TransportPort == 0 {
		c.TransportPort = DefaultTransportPort
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.AdminPort == 0 {
		c.AdminPort = DefaultAdminPort
	}

	for _, name := range c.Directories {
		if name == "" || name != filepath.Base(name) || name[0] == '.' {
			return fmt.Errorf("invalid sync directory name %q", name)
		}
	}

	return nil
}

func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path, data, 0o644)
}

// AddDirectory records a sync directory name. Returns false if already present.
func (c *Config) AddDirectory(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.Directories, name) {
		return false
	}
	c.Directories = append(c.Directories, name)
	slices.Sort(c.Directories)
	return true
}

// RemoveDirectory drops a sync directory name. Returns false if absent.
func (c *Config) RemoveDirectory(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.Directories, name)
	if i < 0 {
		return false
	}
	c.Directories = slices.Delete(c.Directories, i, i+1)
	return true
}

// DirectoryNames returns a copy of the configured sync directory names.
func (c *Config) DirectoryNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Directories)
}

// SetHomePath updates the home path.
func (c *Config) SetHomePath(path string) error {
	resolved, err := utils.ResolvePath(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.HomePath = resolved
	return nil
}

// Home returns the current home path.
func (c *Config) Home() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.HomePath
}

// DirRoot returns the absolute root of a named sync directory.
func (c *Config) DirRoot(name string) string {
	return filepath.Join(c.Home(), name)
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("home_path", c.HomePath),
		slog.Any("directories", c.Directories),
		slog.Int("transport_port", c.TransportPort),
		slog.Int("discovery_port", c.DiscoveryPort),
		slog.Int("admin_port", c.AdminPort),
	)
}

func LoadFromFile(path string) (*Config, error) {
	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Path = path

	return &cfg, nil
}
