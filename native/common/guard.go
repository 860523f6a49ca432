package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a mutable PauseView keyed by lower-cased module name.
type Pauses struct {
	mu      sync.RWMutex
	modules map[string]bool
}

// NewPauses seeds the view with the modules that start paused.
func NewPauses(paused ...string) *Pauses {
	p := &Pauses{modules: make(map[string]bool)}
	for _, module := range paused {
		p.Set(module, true)
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modules[strings.ToLower(strings.TrimSpace(module))]
}

// Set toggles the pause switch for module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(module))
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.modules[key] = true
		return
	}
	delete(p.modules, key)
}
