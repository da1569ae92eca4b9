package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileMode is the permission used for files written by Save. Configurations
// carry secret keys.
const FileMode = 0o600

// Config is the root of a configuration file.
type Config struct {
	Forward []Forward `toml:"forward"`
}

// Forward pairs a source endpoint with a destination endpoint.
type Forward struct {
	Name        string   `toml:"name,omitempty"`
	Source      Endpoint `toml:"source"`
	Destination Endpoint `toml:"destination"`
}

// Label returns the rule name, or a positional name when unnamed.
func (f Forward) Label(index int) string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("forward[%d]", index)
}

// Validate checks every rule and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Forward) == 0 {
		return errors.New("no forward rules configured")
	}

	seen := make(map[string]int, len(c.Forward))
	for i := range c.Forward {
		f := &c.Forward[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%s: %w", f.Label(i), err)
		}
		if f.Name == "" {
			continue
		}
		if j, ok := seen[f.Name]; ok {
			return fmt.Errorf("%s: name also used by forward[%d]", f.Label(i), j)
		}
		seen[f.Name] = i
	}
	return nil
}

// Validate checks both endpoints of the rule.
func (f *Forward) Validate() error {
	if err := f.Source.Validate(); err != nil {
		return prefixField("source", err)
	}
	if err := f.Destination.Validate(); err != nil {
		return prefixField("destination", err)
	}
	return nil
}

// Normalize puts accept sets into canonical order and drops empty slices so
// that equal configurations compare equal.
func (c *Config) Normalize() {
	for i := range c.Forward {
		c.Forward[i].Source.normalize()
		c.Forward[i].Destination.normalize()
	}
}

// Parse decodes and validates a configuration from TOML text.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return finish(&cfg, md)
}

// Load reads, decodes, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	c, err := finish(&cfg, md)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return c, nil
}

func finish(cfg *Config, md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the configuration to path with FileMode permissions, replacing
// any existing file.
func (c *Config) Save(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("save config %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	return nil
}
