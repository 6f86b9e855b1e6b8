package config

const (
	// DefaultDatabasePath is where the store lives when not configured.
	DefaultDatabasePath = "rulehive.db"

	// DefaultWorkerQueue is the dispatch queue for activation processing.
	DefaultWorkerQueue = "activation"

	// DefaultQueue is the dispatch queue for deferred system jobs.
	DefaultQueue = "default"
)

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		Engine: EngineConfig{
			Backend:            BackendDocker,
			Namespace:          "default",
			PullPolicy:         "Always",
			WSBaseURL:          "ws://localhost:8000/api/ws2",
			WSSSLVerify:        "yes",
			HeartbeatSeconds:   60,
			CallTimeoutSeconds: 120,
		},
		Dispatcher: DispatcherConfig{
			DefaultQueue:    DefaultQueue,
			WorkerQueues:    []string{DefaultWorkerQueue},
			WorkersPerQueue: 5,
		},
		Orchestrator: OrchestratorConfig{
			MaxRunningProcesses:      5,
			MonitorIntervalSeconds:   5,
			LivenessTimeoutSeconds:   310,
			RestartSecondsOnFailure:  60,
			RestartSecondsOnComplete: 0,
			MaxRestartsOnFailure:     5,
		},
		Notify: NotifyConfig{
			RedisAddr:       "localhost:6379",
			MaxMessageBytes: 6144,
		},
	}
}
