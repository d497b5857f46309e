package orchestrator

import (
	"fmt"
	"log/slog"
	"maps"

	"provisiond/internal/config"
	"provisiond/internal/home"
	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
	"provisiond/internal/store"
)

// Factories holds the constructors the orchestrator builds components
// from. The orchestrator never imports a concrete backend or manager
// package; the binary fills these maps by calling each package's
// NewFactory function.
//
// Logging:
//   - Logger is passed to every factory
//   - Factories create child loggers scoped to their component
//   - If Logger is nil, components use discard loggers
type Factories struct {
	Stores store.Registry
	// StoreDefaults supplies parameters a backend needs when settings leave
	// them out, such as the file backend directory inside the home dir.
	StoreDefaults map[string]func(home.Dir) map[string]string
	Managers      manager.Registry

	Logger *slog.Logger
}

// service pairs a settings section with its name.
type service struct {
	name     string
	settings config.ServiceSettings
}

func services(s *config.Settings) []service {
	return []service{
		{"dhcp", s.DHCP},
		{"dns", s.DNS},
		{"tftp", s.TFTP},
	}
}

// backendParams merges the configured backend parameters over the
// backend's defaults. Relative paths are resolved against the home dir.
func backendParams(s *config.Settings, dir home.Dir, f Factories) map[string]string {
	params := make(map[string]string)
	if def, ok := f.StoreDefaults[s.Backend]; ok {
		maps.Copy(params, def(dir))
	}
	maps.Copy(params, s.BackendParams)
	for _, k := range []string{"dir", "path"} {
		if v, ok := params[k]; ok {
			params[k] = dir.Resolve(v)
		}
	}
	return params
}

// openManagers builds every enabled service manager and the restart policy
// for them.
func openManagers(s *config.Settings, dir home.Dir, f Factories) ([]pipeline.Manager, map[string]bool, error) {
	var managers []pipeline.Manager
	restart := make(map[string]bool)
	for _, svc := range services(s) {
		if !svc.settings.Enabled {
			continue
		}
		out := dir.Resolve(svc.settings.Output)
		if out == "" {
			out = dir.OutputDir(svc.name)
		}
		m, err := f.Managers.Open(svc.name, svc.settings.Module, manager.Params{
			Settings:  svc.settings,
			OutputDir: out,
			Logger:    f.Logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%s manager: %w", svc.name, err)
		}
		managers = append(managers, m)
		restart[m.Name()] = svc.settings.Restart
	}
	return managers, restart, nil
}
