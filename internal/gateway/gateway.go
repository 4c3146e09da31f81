// Package gateway is the abstraction boundary to remote network devices.
// One adapter per device family; callers stay agnostic to which adapter
// executes a command.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ispbase/netcore/internal/models"
)

var (
	// ErrUnreachable covers network and auth failures; retryable
	ErrUnreachable = errors.New("device unreachable")
	// ErrRejected means the device refused the command; not retryable
	// without operator intervention
	ErrRejected = errors.New("device rejected command")
	// ErrTimeout is retryable, but the command's effect is unknown and must
	// only be retried for idempotent steps
	ErrTimeout = errors.New("device command timeout")
	// ErrUnsupportedKind means no adapter is registered for the device kind
	ErrUnsupportedKind = errors.New("unsupported device kind")
)

// Retryable reports whether the failure class permits another attempt
func Retryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

// Command is a single idempotent unit of device configuration,
// e.g. "ensure PPP secret X exists with profile Y"
type Command struct {
	Path string            `json:"path"` // e.g. /ppp/secret/add
	Args map[string]string `json:"args,omitempty"`
}

// Sentence renders the command as an ordered word list for wire protocols
// that speak in sentences. Args are sorted for deterministic output.
func (c Command) Sentence() []string {
	words := []string{c.Path}
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		words = append(words, fmt.Sprintf("=%s=%s", k, c.Args[k]))
	}
	return words
}

func (c Command) String() string {
	return strings.Join(c.Sentence(), " ")
}

// CommandResult reports one executed command
type CommandResult struct {
	Success bool                `json:"success"`
	Output  []map[string]string `json:"output,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// HealthResult reports one reachability probe
type HealthResult struct {
	Reachable bool   `json:"reachable"`
	LatencyMs int64  `json:"latency_ms"`
	Identity  string `json:"identity,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Gateway executes idempotent command sets against one device family
type Gateway interface {
	Execute(ctx context.Context, device *models.Device, cmd Command) (*CommandResult, error)
	CheckHealth(ctx context.Context, device *models.Device) (*HealthResult, error)
	// FetchConfigSnapshot captures the device configuration used as the
	// rollback source before destructive changes
	FetchConfigSnapshot(ctx context.Context, device *models.Device) (json.RawMessage, error)
}

// Registry resolves the adapter for a device kind
type Registry struct {
	adapters map[models.DeviceKind]Gateway
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.DeviceKind]Gateway)}
}

func (r *Registry) Register(kind models.DeviceKind, gw Gateway) {
	r.adapters[kind] = gw
}

func (r *Registry) Resolve(kind models.DeviceKind) (Gateway, error) {
	gw, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return gw, nil
}
