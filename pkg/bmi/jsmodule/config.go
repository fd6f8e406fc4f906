package jsmodule

import (
	"fmt"
	"time"
)

// Security levels for the JavaScript VM
const (
	SecurityLevelStrict   = "strict"
	SecurityLevelStandard = "standard"
)

// Config configures how JavaScript modules are loaded and run
type Config struct {
	// CallTimeout bounds every call into the script
	CallTimeout time.Duration `json:"call_timeout,omitempty"`

	// SecurityLevel defines sandbox restrictions (strict, standard)
	SecurityLevel string `json:"security_level,omitempty"`

	// DefaultObject is the global holding the module functions when the
	// descriptor has no entry point
	DefaultObject string `json:"default_object,omitempty"`
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 2 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.DefaultObject == "" {
		c.DefaultObject = "model"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout cannot be negative")
	}
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard:
	default:
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	return nil
}
