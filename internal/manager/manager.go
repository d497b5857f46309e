// Package manager holds what the downstream service managers share: the
// factory signature the orchestrator builds them through, the apply and
// restart steps, and the host view rendered by DHCP, DNS and TFTP modules.
//
// Concrete modules live in subpackages (dhcp, dns, tftp). Each exposes
// NewFactory functions; the orchestrator maps "service.module" names such
// as "dhcp.isc" to them.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"provisiond/internal/config"
	"provisiond/internal/logging"
	"provisiond/internal/pipeline"
)

var ErrUnknownModule = errors.New("unknown manager module")

// Params is what a factory receives.
type Params struct {
	// Service is the service name the manager reports, e.g. "dhcp".
	Service  string
	Settings config.ServiceSettings
	// OutputDir is Settings.Output resolved to an absolute path.
	OutputDir string
	Logger    *slog.Logger
}

// Factory builds a manager from settings.
type Factory func(p Params) (pipeline.Manager, error)

// Registry maps "service.module" to a factory.
type Registry map[string]Factory

// Key returns the registry key for a service module.
func Key(service, module string) string { return service + "." + module }

// Open builds the manager for service using module.
func (r Registry) Open(service, module string, p Params) (pipeline.Manager, error) {
	f, ok := r[Key(service, module)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q (have %s)", ErrUnknownModule, service, module, strings.Join(r.Modules(service), ", "))
	}
	p.Service = service
	return f(p)
}

// Modules lists the modules registered for service, sorted.
func (r Registry) Modules(service string) []string {
	var out []string
	for k := range r {
		if m, ok := strings.CutPrefix(k, service+"."); ok {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// Base implements Name, Apply and Restart for modules that publish plain
// files to an output directory and reload their service with a command.
type Base struct {
	name    string
	dir     string
	restart []string
	logger  *slog.Logger

	// changed records whether the last Apply touched disk. Restart is a
	// no-op otherwise.
	changed atomic.Bool
}

// NewBase builds the shared part of a module.
func NewBase(p Params) (*Base, error) {
	if p.OutputDir == "" {
		return nil, fmt.Errorf("%s: no output directory", p.Service)
	}
	return &Base{
		name:    p.Service,
		dir:     p.OutputDir,
		restart: slices.Clone(p.Settings.RestartCommand),
		logger:  logging.Default(p.Logger).With("component", "manager", "manager", p.Service),
	}, nil
}

func (b *Base) Name() string { return b.name }

// Dir returns the output directory.
func (b *Base) Dir() string { return b.dir }

func (b *Base) Logger() *slog.Logger { return b.logger }

// Apply writes files under the output directory and removes the ones the
// previous apply wrote but this one did not.
func (b *Base) Apply(_ context.Context, files []pipeline.Artifact) error {
	res, err := pipeline.WriteArtifacts(b.dir, files)
	if err != nil {
		return err
	}
	b.changed.Store(res.Changed())
	if res.Changed() {
		b.logger.Info("configuration updated",
			"written", len(res.Written),
			"removed", len(res.Removed),
			"unchanged", len(res.Unchanged))
	}
	return nil
}

// Restart runs the restart command if the last apply changed anything.
func (b *Base) Restart(ctx context.Context) error {
	if len(b.restart) == 0 || !b.changed.Load() {
		return nil
	}
	if err := RunCommand(ctx, b.restart); err != nil {
		return err
	}
	b.changed.Store(false)
	b.logger.Info("service restarted", "command", b.restart)
	return nil
}

const commandTimeout = time.Minute

// RunCommand runs argv and returns an error carrying its output when it
// fails.
func RunCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		out = bytes.TrimSpace(out)
		if len(out) > 512 {
			out = out[:512]
		}
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, out)
	}
	return nil
}
