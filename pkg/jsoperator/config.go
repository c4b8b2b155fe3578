package jsoperator

import (
	"fmt"
)

// SecurityLevel defines the security restrictions applied to operator sessions
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// InterpreterConfig configures the process-wide interpreter shared by all hosts
type InterpreterConfig struct {
	// SecurityLevel defines security restrictions (strict, standard, permissive)
	SecurityLevel string `yaml:"security_level" toml:"security_level" json:"security_level,omitempty"`

	// EnabledUtilities is a list of utility modules to enable (console, encoding)
	EnabledUtilities []string `yaml:"enabled_utilities" toml:"enabled_utilities" json:"enabled_utilities,omitempty"`

	// MaxCallStackSize bounds JavaScript call depth; exceeding it raises a RangeError
	MaxCallStackSize int `yaml:"max_call_stack_size" toml:"max_call_stack_size" json:"max_call_stack_size,omitempty"`

	// ModulePaths are search path entries available to every session, searched
	// before the operator's own directory
	ModulePaths []string `yaml:"module_paths" toml:"module_paths" json:"module_paths,omitempty"`

	// ConsoleMaxLines is how many recent console lines each session keeps
	ConsoleMaxLines int `yaml:"console_max_lines" toml:"console_max_lines" json:"console_max_lines,omitempty"`
}

// DefaultUtilitiesByLevel defines default utilities for each security level
var DefaultUtilitiesByLevel = map[string][]string{
	SecurityLevelStrict:     {"console"},
	SecurityLevelStandard:   {"console", "encoding"},
	SecurityLevelPermissive: {"console", "encoding"},
}

// ApplyDefaults sets default values for configuration fields
func (c *InterpreterConfig) ApplyDefaults() {
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = append([]string(nil), DefaultUtilitiesByLevel[c.SecurityLevel]...)
	}
	if c.MaxCallStackSize == 0 {
		c.MaxCallStackSize = 1024
	}
	if c.ConsoleMaxLines == 0 {
		c.ConsoleMaxLines = 1000
	}
}

// Validate checks if the configuration is valid
func (c *InterpreterConfig) Validate() error {
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	if c.MaxCallStackSize <= 0 {
		return fmt.Errorf("max_call_stack_size must be positive")
	}
	if c.ConsoleMaxLines < 0 {
		return fmt.Errorf("console_max_lines cannot be negative")
	}
	for _, name := range c.EnabledUtilities {
		if _, ok := knownUtilities[name]; !ok {
			return fmt.Errorf("unknown utility: %s", name)
		}
	}
	return nil
}
