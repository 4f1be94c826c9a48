package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; ListenAddr and
// provider credentials require a restart and are deliberately excluded.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SearchChanged bool
	NewSearch     SearchConfig

	JobChanged bool
	NewJob     JobConfig

	PipelineChanged bool
	NewPipeline     PipelineConfig

	WebhookChanged bool
	NewWebhook     WebhookConfig

	ArchiveChanged bool
	NewArchive     ArchiveConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Search != new.Search {
		d.SearchChanged = true
		d.NewSearch = new.Search
	}

	if old.Job != new.Job {
		d.JobChanged = true
		d.NewJob = new.Job
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Webhook != new.Webhook {
		d.WebhookChanged = true
		d.NewWebhook = new.Webhook
	}

	if old.Archive != new.Archive {
		d.ArchiveChanged = true
		d.NewArchive = new.Archive
	}

	return d
}
