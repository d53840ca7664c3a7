package config

import (
	"slices"

	"github.com/MrWong99/pillbox/pkg/types"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AnchorsChanged bool
	NewAnchors     types.MealAnchors

	// RestartRequired names changed sections that only take effect on the
	// next start.
	RestartRequired []string
}

// Changed reports whether any difference was found.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AnchorsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed. Both configs
// are expected to have passed [Validate].
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Anchors are compared parsed, so "8:00" and "08:00" are equal.
	oldAnchors, _ := old.MealAnchors()
	newAnchors, err := new.MealAnchors()
	if err == nil && oldAnchors != newAnchors {
		d.AnchorsChanged = true
		d.NewAnchors = newAnchors
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !extractionEqual(old.Extraction, new.Extraction) {
		d.RestartRequired = append(d.RestartRequired, "extraction")
	}
	if old.Schedule.PushURL != new.Schedule.PushURL || old.Schedule.PushTimeout != new.Schedule.PushTimeout {
		d.RestartRequired = append(d.RestartRequired, "schedule.push_url")
	}
	if old.Pillbox != new.Pillbox {
		d.RestartRequired = append(d.RestartRequired, "pillbox")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func extractionEqual(a, b ExtractionConfig) bool {
	if a.Provider != b.Provider || a.BaseURL != b.BaseURL || a.Vendor != b.Vendor || a.Timeouts != b.Timeouts {
		return false
	}
	if !slices.Equal(a.Credentials, b.Credentials) || !slices.Equal(a.Models, b.Models) {
		return false
	}
	ga, gb := a.Generation, b.Generation
	if ga.TopK != gb.TopK || ga.TopP != gb.TopP || ga.MaxOutputTokens != gb.MaxOutputTokens {
		return false
	}
	return (ga.Temperature == nil) == (gb.Temperature == nil) &&
		(ga.Temperature == nil || *ga.Temperature == *gb.Temperature)
}
