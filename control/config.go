// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime settings store. Settings changed after startup are propagated to
// registered listeners synchronously, in registration order.

package control

import (
	"sync"
	"time"
)

// ConfigStore is a dynamic key/value map with snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(changed map[string]any)
}

// NewConfigStore initializes a store with the given initial values.
func NewConfigStore(initial map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(initial))}
	for k, v := range initial {
		cs.config[k] = v
	}
	return cs
}

// GetSnapshot returns a copy of all values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns one value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Duration returns key as a time.Duration, or def.
func (cs *ConfigStore) Duration(key string, def time.Duration) time.Duration {
	if v, ok := cs.Get(key); ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return def
}

// Bool returns key as a bool, or def.
func (cs *ConfigStore) Bool(key string, def bool) bool {
	if v, ok := cs.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// SetConfig merges values and notifies listeners with the merged subset.
func (cs *ConfigStore) SetConfig(values map[string]any) {
	cs.mu.Lock()
	changed := make(map[string]any, len(values))
	for k, v := range values {
		cs.config[k] = v
		changed[k] = v
	}
	listeners := append([]func(map[string]any){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(changed)
	}
}

// OnReload registers a listener called after every SetConfig.
func (cs *ConfigStore) OnReload(fn func(changed map[string]any)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
