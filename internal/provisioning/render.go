package provisioning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/models"
)

// TemplateContent is the decoded template body: an ordered list of command
// steps whose string values may contain {{variable}} placeholders.
type TemplateContent struct {
	Steps []TemplateStep `json:"steps"`
}

type TemplateStep struct {
	Path string            `json:"path"`
	Args map[string]string `json:"args,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// DeviceVars builds the substitution context from a device. Caller-supplied
// vars are layered on top and win on conflict.
func DeviceVars(device *models.Device, extra map[string]string) map[string]string {
	vars := map[string]string{
		"device_name":        device.Name,
		"device_short_name":  device.ShortName,
		"device_ip":          device.IPAddress,
		"device_kind":        string(device.Kind),
		"overwrite_comments": strconv.FormatBool(device.OverwriteComments),
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// Render expands a template into executable commands. Every placeholder must
// resolve; an unknown variable fails the whole render before anything runs.
// The returned snapshot is the rendered content, stored on the log so later
// template edits don't rewrite what was actually applied.
func Render(content json.RawMessage, vars map[string]string) ([]gateway.Command, json.RawMessage, error) {
	var tc TemplateContent
	if err := json.Unmarshal(content, &tc); err != nil {
		return nil, nil, fmt.Errorf("invalid template content: %w", err)
	}
	if len(tc.Steps) == 0 {
		return nil, nil, ErrEmptyTemplate
	}

	commands := make([]gateway.Command, 0, len(tc.Steps))
	rendered := TemplateContent{Steps: make([]TemplateStep, 0, len(tc.Steps))}
	for i, step := range tc.Steps {
		path, err := substitute(step.Path, vars)
		if err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", i, err)
		}
		args := make(map[string]string, len(step.Args))
		for k, v := range step.Args {
			sv, err := substitute(v, vars)
			if err != nil {
				return nil, nil, fmt.Errorf("step %d arg %s: %w", i, k, err)
			}
			args[k] = sv
		}
		commands = append(commands, gateway.Command{Path: path, Args: args})
		rendered.Steps = append(rendered.Steps, TemplateStep{Path: path, Args: args})
	}

	snapshot, err := json.Marshal(rendered)
	if err != nil {
		return nil, nil, err
	}
	return commands, snapshot, nil
}

func substitute(s string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVar, missing)
	}
	return out, nil
}
