package settings

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"gopkg.in/yaml.v3"
)

// Change is one key transition delivered by a provider's change
// notification.
type Change struct {
	Key string
	Old interface{}
	New interface{}
}

// Provider supplies raw setting values and change notifications. Values are
// loosely typed; the store validates and coerces them.
type Provider interface {
	// Load returns the current values for the plugin.
	Load(pluginID string) (map[string]interface{}, error)
	// Subscribe registers a callback for subsequent changes.
	Subscribe(fn func(changes []Change))
}

// FileProvider reads settings from a YAML document. The document is either
// a flat map of setting keys or contains a top-level section named after
// the plugin ID. Reload re-reads the file and notifies subscribers of the
// diff, which the agent wires to SIGHUP.
type FileProvider struct {
	path string

	mu          sync.Mutex
	pluginID    string
	last        map[string]interface{}
	subscribers []func(changes []Change)
}

// NewFileProvider creates a provider for the given YAML file path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Load implements Provider. A missing file is not an error: the pipeline
// runs on defaults until the file appears and a reload is triggered.
func (p *FileProvider) Load(pluginID string) (map[string]interface{}, error) {
	values, err := p.read(pluginID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.pluginID = pluginID
	p.last = values
	p.mu.Unlock()
	return values, nil
}

// Subscribe implements Provider.
func (p *FileProvider) Subscribe(fn func(changes []Change)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// Reload re-reads the file and delivers (old, new) pairs for every changed
// key to all subscribers.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	pluginID := p.pluginID
	p.mu.Unlock()

	values, err := p.read(pluginID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var changes []Change
	for key, val := range values {
		if old, ok := p.last[key]; !ok || !reflect.DeepEqual(old, val) {
			changes = append(changes, Change{Key: key, Old: p.last[key], New: val})
		}
	}
	p.last = values
	subscribers := make([]func([]Change), len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	for _, fn := range subscribers {
		fn(changes)
	}
	return nil
}

func (p *FileProvider) read(pluginID string) (map[string]interface{}, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", p.path, err)
	}

	// A section named after the plugin takes precedence over the flat form.
	if section, ok := doc[pluginID].(map[string]interface{}); ok {
		return section, nil
	}
	return doc, nil
}

// StaticProvider serves fixed values and supports programmatic pushes.
// Useful for embedding the pipeline in a host with its own settings UI.
type StaticProvider struct {
	mu          sync.Mutex
	values      map[string]interface{}
	subscribers []func(changes []Change)
}

// NewStaticProvider creates a provider wrapping the given values.
func NewStaticProvider(values map[string]interface{}) *StaticProvider {
	if values == nil {
		values = map[string]interface{}{}
	}
	return &StaticProvider{values: values}
}

// Load implements Provider.
func (p *StaticProvider) Load(string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]interface{}, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out, nil
}

// Subscribe implements Provider.
func (p *StaticProvider) Subscribe(fn func(changes []Change)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// Set updates one value and notifies subscribers.
func (p *StaticProvider) Set(key string, value interface{}) {
	p.mu.Lock()
	old := p.values[key]
	p.values[key] = value
	subscribers := make([]func([]Change), len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn([]Change{{Key: key, Old: old, New: value}})
	}
}
