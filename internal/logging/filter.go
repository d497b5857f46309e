package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentKey is the attribute that names the emitting component.
const ComponentKey = "component"

// levels is shared by a ComponentFilterHandler and every handler derived
// from it through WithAttrs/WithGroup, so SetLevel takes effect on loggers
// that were scoped before the call.
type levels struct {
	mu         sync.RWMutex
	def        slog.Level
	components map[string]slog.Level
}

func (l *levels) level(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lv, ok := l.components[component]; ok {
		return lv
	}
	return l.def
}

// lowest is the most verbose level any component is set to.
func (l *levels) lowest() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	low := l.def
	for _, lv := range l.components {
		low = min(low, lv)
	}
	return low
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from the "component" attribute, whether attached
// with Logger.With or passed on the record. Records without one use the
// default level.
type ComponentFilterHandler struct {
	base      slog.Handler
	levels    *levels
	component string
}

// NewComponentFilterHandler wraps base.
func NewComponentFilterHandler(base slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		base:   base,
		levels: &levels{def: def, components: make(map[string]slog.Level)},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.components[component] = level
}

// ClearLevel drops a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.components, component)
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.def
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		if level < h.levels.level(h.component) {
			return false
		}
	} else if level < h.levels.lowest() {
		return false
	}
	return h.base.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	for _, a := range attrs {
		if a.Key == ComponentKey {
			c.component = a.Value.String()
		}
	}
	c.base = h.base.WithAttrs(attrs)
	return &c
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.base = h.base.WithGroup(name)
	return &c
}
