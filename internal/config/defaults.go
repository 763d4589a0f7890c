package config

const (
	defaultConfigPath           = "~/.config/callsync/config.toml"
	defaultStateDir             = "~/.local/share/callsync"
	defaultLogDir               = "~/.local/share/callsync/logs"
	defaultTranscriptsDir       = "~/.local/share/callsync/transcripts"
	defaultLeadsDir             = "~/.local/share/callsync/leads"
	defaultRecordingsDir        = "/recordings"
	defaultQueueBackend         = "sqlite"
	defaultBatchSize            = 10
	defaultMaxAttempts          = 5
	defaultArtifactBackoff      = 60
	defaultArtifactWaitAttempts = 3
	defaultClaimTimeout         = 600
	defaultSyncInterval         = 300
	defaultErrorRetryInterval   = 30
	defaultHeartbeatInterval    = 15
	defaultObjectStoreBackend   = "http"
	defaultUploadTimeout        = 60
	defaultCallDataTimeout      = 30
	defaultCallDirection        = "inbound"
	defaultCallStatus           = "completed"
	defaultAPIBind              = "127.0.0.1:7491"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultSentryEnvironment    = "production"
)

var defaultBackoffMinutes = []int{1, 5, 15, 60}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:       defaultStateDir,
			LogDir:         defaultLogDir,
			TranscriptsDir: defaultTranscriptsDir,
			LeadsDir:       defaultLeadsDir,
			RecordingsDir:  defaultRecordingsDir,
		},
		Queue: Queue{
			Backend:              defaultQueueBackend,
			BatchSize:            defaultBatchSize,
			MaxAttempts:          defaultMaxAttempts,
			BackoffMinutes:       append([]int(nil), defaultBackoffMinutes...),
			ArtifactBackoff:      defaultArtifactBackoff,
			ArtifactWaitAttempts: defaultArtifactWaitAttempts,
			ClaimTimeout:         defaultClaimTimeout,
		},
		Workflow: Workflow{
			SyncInterval:       defaultSyncInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
		},
		ObjectStore: ObjectStore{
			Backend:        defaultObjectStoreBackend,
			TimeoutSeconds: defaultUploadTimeout,
		},
		CallData: CallData{
			TimeoutSeconds: defaultCallDataTimeout,
			Direction:      defaultCallDirection,
			CallStatus:     defaultCallStatus,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			DeadLetter:     true,
			CycleFailures:  true,
			Errors:         true,
		},
		Sentry: Sentry{
			Environment: defaultSentryEnvironment,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
