package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// DefaultPort is used when no preference was ever saved.
const DefaultPort = 8080

// Preferences are the host settings that survive restarts of the host.
type Preferences struct {
	Port        int  `toml:"port" mapstructure:"port"`
	DevMode     bool `toml:"dev_mode" mapstructure:"dev_mode"`
	AutoRestart bool `toml:"auto_restart" mapstructure:"auto_restart"`
}

// Store persists Preferences as a small TOML file.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Load returns the saved preferences, or defaults when the file is absent.
func (s *Store) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Preferences, error) {
	p := Preferences{Port: DefaultPort}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("toml")
	v.SetDefault("port", DefaultPort)
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("read preferences: %w", err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return Preferences{Port: DefaultPort}, fmt.Errorf("decode preferences: %w", err)
	}
	p.Port = ClampPort(p.Port)
	return p, nil
}

// Save writes p, creating the parent directory if needed.
func (s *Store) Save(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(p)
}

func (s *Store) save(p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.Set("port", p.Port)
	v.Set("dev_mode", p.DevMode)
	v.Set("auto_restart", p.AutoRestart)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Update applies fn to the stored preferences under the store lock.
func (s *Store) Update(fn func(*Preferences)) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.load()
	if err != nil {
		return p, err
	}
	fn(&p)
	return p, s.save(p)
}

// ClampPort forces port into 1..65535.
func ClampPort(port int) int {
	switch {
	case port < 1:
		return 1
	case port > 65535:
		return 65535
	}
	return port
}
