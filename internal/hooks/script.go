package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ScriptConfig describes the executable invoked for each event.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// MarshalEvent encodes events for scripts.
var MarshalEvent = JSONMarshaler

// JSONMarshaler encodes the event as a single JSON object.
func JSONMarshaler(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// NewScriptHandler returns a Handler that writes the encoded event to the
// command's stdin.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parent context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}
		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}
		ctx := parent
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, cfg.Timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, key+"="+val)
			}
			cmd.Env = env
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: %s %s: %w", cfg.Command, evt.Type, err)
		}
		return nil
	}
}
