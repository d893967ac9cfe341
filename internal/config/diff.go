package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	RouterChanged bool
	NewRouter     RouterConfig

	JanitorChanged  bool
	NewPollInterval JanitorConfig

	// Fields that only take effect after a restart. Logged, not applied.
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.RouterChanged ||
		d.JanitorChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok && oldDef != newDef {
			d.AgentsChanged = append(d.AgentsChanged, name)
		}
	}
	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)

	if !reflect.DeepEqual(old.Router, new.Router) {
		d.RouterChanged = true
		d.NewRouter = new.Router
	}

	if old.Janitor.PollInterval != new.Janitor.PollInterval {
		d.JanitorChanged = true
		d.NewPollInterval = new.Janitor
	}

	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Passphrase != new.Store.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "store.passphrase")
	}
	if old.Context != new.Context {
		d.NonReloadable = append(d.NonReloadable, "context")
	}
	if old.Coordination != new.Coordination {
		d.NonReloadable = append(d.NonReloadable, "coordination")
	}
	if old.Handoff != new.Handoff {
		d.NonReloadable = append(d.NonReloadable, "handoff")
	}

	return d
}
