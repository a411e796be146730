package modules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Module is a unit of coordinator functionality that initializes after
// the modules it depends on.
type Module interface {
	Name() string
	Dependencies() []string
	Initialize(h *Host) error
}

var ErrDuplicateModule = errors.New("modules: duplicate module")

// Host owns a set of modules and initializes them in dependency order.
type Host struct {
	modules     map[string]Module
	order       []string
	initialized map[string]bool
}

func NewHost() *Host {
	return &Host{
		modules:     make(map[string]Module),
		initialized: make(map[string]bool),
	}
}

// Add registers m. Names must be unique.
func (h *Host) Add(m Module) error {
	name := m.Name()
	if _, exists := h.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	h.modules[name] = m
	h.order = append(h.order, name)
	return nil
}

// Get returns the module registered under name, or nil.
func (h *Host) Get(name string) Module {
	return h.modules[name]
}

func (h *Host) Initialized(name string) bool {
	return h.initialized[name]
}

// Initialize repeatedly initializes every module whose dependencies are
// already initialized, in registration order, until a pass makes no
// progress. Modules left over (missing or cyclic dependencies) are
// reported in the returned error.
func (h *Host) Initialize() error {
	for {
		progressed := false
		for _, name := range h.order {
			if h.initialized[name] {
				continue
			}
			m := h.modules[name]
			if !h.ready(m) {
				continue
			}
			if err := m.Initialize(h); err != nil {
				return fmt.Errorf("modules: initialize %s: %w", name, err)
			}
			h.initialized[name] = true
			progressed = true
			log.Debug().Str("module", name).Msg("modules: initialized")
		}
		if !progressed {
			break
		}
	}

	var pending []string
	for _, name := range h.order {
		if !h.initialized[name] {
			pending = append(pending, name)
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return fmt.Errorf("modules: could not initialize %s (missing or cyclic dependencies)", strings.Join(pending, ", "))
	}
	return nil
}

func (h *Host) ready(m Module) bool {
	for _, dep := range m.Dependencies() {
		if !h.initialized[dep] {
			return false
		}
	}
	return true
}
