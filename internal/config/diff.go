package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	ChannelsAdded   []string
	ChannelsRemoved []string
	ChannelsChanged []string

	RuntimesChanged bool
	NewRuntimes     RuntimesConfig

	MonitorChanged bool
	NewSchedule    string

	LogLevelChanged bool
	NewLogLevel     string

	AllowFromChanged bool
	NewAllowFrom     []int64

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		len(d.ChannelsAdded) > 0 ||
		len(d.ChannelsRemoved) > 0 ||
		len(d.ChannelsChanged) > 0 ||
		d.RuntimesChanged ||
		d.MonitorChanged ||
		d.LogLevelChanged ||
		d.AllowFromChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	d.AgentsAdded, d.AgentsRemoved, d.AgentsChanged = diffMaps(old.Agents, new.Agents)
	d.ChannelsAdded, d.ChannelsRemoved, d.ChannelsChanged = diffMaps(old.Channels, new.Channels)

	oldRT, newRT := old.Runtimes, new.Runtimes
	oldRT.Root, newRT.Root = "", ""
	if !reflect.DeepEqual(oldRT, newRT) {
		d.RuntimesChanged = true
		d.NewRuntimes = new.Runtimes
	}

	if old.Monitor.Schedule != new.Monitor.Schedule {
		d.MonitorChanged = true
		d.NewSchedule = new.Monitor.Schedule
	}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if !reflect.DeepEqual(old.Telegram.AllowFrom, new.Telegram.AllowFrom) {
		d.AllowFromChanged = true
		d.NewAllowFrom = new.Telegram.AllowFrom
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Host != new.NATS.Host {
		d.NonReloadable = append(d.NonReloadable, "nats.host")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Runtimes.Root != new.Runtimes.Root {
		d.NonReloadable = append(d.NonReloadable, "runtimes.root")
	}

	return d
}

func diffMaps[V any](old, new map[string]V) (added, removed, changed []string) {
	for name := range new {
		if _, ok := old[name]; !ok {
			added = append(added, name)
		}
	}
	for name, oldV := range old {
		newV, ok := new[name]
		if !ok {
			removed = append(removed, name)
			continue
		}
		if !reflect.DeepEqual(oldV, newV) {
			changed = append(changed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}
