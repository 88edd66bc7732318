package hooks

import (
	"fmt"
	"time"
)

// Config is the hook section of the chatd configuration.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
}

// Validate rejects an enabled configuration without a script.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	return nil
}

// BuildScriptHandler returns the script handler, or nil when hooks are disabled.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
}
