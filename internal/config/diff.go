package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ProvidersChanged bool
	ProviderChanges  []ProviderDiff
	LogLevelChanged  bool
	NewLogLevel      LogLevel
}

// ProviderDiff describes what changed for a single provider entry between
// two configs.
type ProviderDiff struct {
	ID             string
	APIKeyChanged  bool
	BaseURLChanged bool
	ModelChanged   bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: provider
// credentials/endpoints/models can be applied by rebuilding the affected
// adapters; routing/pool topology cannot.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for id, oldEntry := range old.Providers {
		newEntry, exists := new.Providers[id]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		pd := diffProvider(id, oldEntry, newEntry)
		if pd.APIKeyChanged || pd.BaseURLChanged || pd.ModelChanged {
			d.ProviderChanges = append(d.ProviderChanges, pd)
			d.ProvidersChanged = true
		}
	}

	for id := range new.Providers {
		if _, exists := old.Providers[id]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Added: true})
			d.ProvidersChanged = true
		}
	}

	return d
}

// diffProvider compares two provider entries with the same id.
func diffProvider(id string, old, new ProviderEntry) ProviderDiff {
	pd := ProviderDiff{ID: id}
	if old.APIKey != new.APIKey {
		pd.APIKeyChanged = true
	}
	if old.BaseURL != new.BaseURL {
		pd.BaseURLChanged = true
	}
	if old.Model != new.Model {
		pd.ModelChanged = true
	}
	return pd
}
