package config

import (
	"fmt"
	"os"

	"github.com/unicore-eu/tsi/internal/tsierr"
)

const maxConfigSize = 1 << 20 // 1 MiB; a TSI config file is a handful of KB.

// LoadFile reads, parses, and validates the TSI properties file at path.
func LoadFile(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, tsierr.NewConfigError(path, err)
	}
	if fi.Size() > maxConfigSize {
		return nil, tsierr.NewConfigError(path, fmt.Errorf("config file too large (%d bytes)", fi.Size()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tsierr.NewConfigError(path, err)
	}
	c, err := Load(data)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
