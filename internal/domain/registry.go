package domain

import "fmt"

// PluginRegistry is a closed, read-only-after-build registry of Plugins.
// REDESIGN FLAG (source used runtime discovery into a mutable registry):
// this registry is populated once during Orchestrator startup and never
// mutated afterward; plugin selection is a deterministic capability match.
type PluginRegistry struct {
	plugins []namedPlugin
	def     Plugin
}

type namedPlugin struct {
	name   string
	plugin Plugin
}

// NewPluginRegistry builds a registry from (name, factory) pairs. Built-in
// factories must be passed before discovered ones so built-ins win ties in
// Select. One failing factory does not prevent the others from loading;
// failures are returned alongside the registry for the caller to log.
func NewPluginRegistry(factories map[string]PluginFactory, order []string, def PluginFactory) (*PluginRegistry, map[string]error) {
	reg := &PluginRegistry{}
	failures := map[string]error{}

	for _, name := range order {
		factory, ok := factories[name]
		if !ok {
			continue
		}
		p, err := factory()
		if err != nil {
			failures[name] = fmt.Errorf("load plugin %q: %w", name, err)
			continue
		}
		reg.plugins = append(reg.plugins, namedPlugin{name: name, plugin: p})
	}

	if def != nil {
		d, err := def()
		if err != nil {
			failures["default"] = fmt.Errorf("load default plugin: %w", err)
		} else {
			reg.def = d
		}
	}

	return reg, failures
}

// Select picks a plugin by hint first, falling back to capability matching
// in registration order, then to the declared default plugin.
func (r *PluginRegistry) Select(hint string, result *FetchResult) Plugin {
	if hint != "" {
		for _, np := range r.plugins {
			if np.name == hint {
				return np.plugin
			}
		}
	}
	for _, np := range r.plugins {
		if np.plugin.Matches(hint, result) {
			return np.plugin
		}
	}
	return r.def
}
