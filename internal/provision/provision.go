// Package provision defines the stage contract every device driver
// implements, the driver registry and the stage wrapper that maps driver
// errors to exit codes and error records.
package provision

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
)

// Stage is the input to a single driver stage.
type Stage struct {
	Config  *Config
	Job     *Job
	WorkDir string
	Output  io.Writer

	// GlobalTimeout and OutputTimeout bound commands run on behalf of the
	// job. Zero disables the bound.
	GlobalTimeout time.Duration
	OutputTimeout time.Duration
}

// Writer returns the stage output, or io.Discard when none is set.
func (s *Stage) Writer() io.Writer {
	if s == nil || s.Output == nil {
		return io.Discard
	}
	return s.Output
}

// Printf writes a formatted line to the stage output.
func (s *Stage) Printf(format string, args ...any) {
	fmt.Fprintf(s.Writer(), format+"\n", args...)
}

// Driver is implemented by every device family.
type Driver interface {
	Provision(ctx context.Context, stage *Stage) error
	FirmwareUpdate(ctx context.Context, stage *Stage) error
	RunTest(ctx context.Context, stage *Stage) error
	Allocate(ctx context.Context, stage *Stage) error
	Reserve(ctx context.Context, stage *Stage) error
	Cleanup(ctx context.Context, stage *Stage) error
}

// Constructor builds a driver.
type Constructor func() Driver

// Registry maps device type names to driver constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register associates name with a constructor.
func (r *Registry) Register(name string, c Constructor) {
	if c == nil {
		panic("provision: constructor must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// New builds the driver registered under name.
func (r *Registry) New(name string) (Driver, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device type %q", name)
	}
	return c(), nil
}

// Names returns the registered device types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StageFunc returns the driver method executed for phase. The setup phase
// is handled by the agent and has no driver method.
func StageFunc(d Driver, phase lifecycle.Phase) (func(context.Context, *Stage) error, error) {
	switch phase {
	case lifecycle.PhaseProvision:
		return d.Provision, nil
	case lifecycle.PhaseFirmwareUpdate:
		return d.FirmwareUpdate, nil
	case lifecycle.PhaseTest:
		return d.RunTest, nil
	case lifecycle.PhaseAllocate:
		return d.Allocate, nil
	case lifecycle.PhaseReserve:
		return d.Reserve, nil
	case lifecycle.PhaseCleanup:
		return d.Cleanup, nil
	default:
		return nil, fmt.Errorf("phase %q has no driver stage", phase)
	}
}
