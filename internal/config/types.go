package config

// Config is the top-level configuration for rulehive. It is constructed
// once at process start and passed by reference into each component;
// orchestration logic never performs ambient lookups.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Engine       EngineConfig       `yaml:"engine"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Notify       NotifyConfig       `yaml:"notify"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"` // Database file path (default: rulehive.db)
}

// EngineBackend selects the container engine implementation.
type EngineBackend string

const (
	// BackendDocker talks to a Docker-API-compatible socket. This covers
	// both Docker and Podman's compatibility socket for rootless setups.
	BackendDocker EngineBackend = "docker"
	// BackendKubernetes runs each worker process as a Pod.
	BackendKubernetes EngineBackend = "kubernetes"
)

// EngineConfig configures the container engine adapter.
type EngineConfig struct {
	Backend    EngineBackend `yaml:"backend,omitempty"`    // docker or kubernetes (default: docker)
	Namespace  string        `yaml:"namespace,omitempty"`  // Kubernetes namespace for worker pods
	Kubeconfig string        `yaml:"kubeconfig,omitempty"` // Path to kubeconfig; empty means in-cluster
	PullPolicy string        `yaml:"pullPolicy,omitempty"` // Image pull policy (default: Always)
	MemLimit   string        `yaml:"memLimit,omitempty"`   // Memory limit for worker containers, e.g. "512m"

	// Worker process wiring. Each container runs the rulebook worker in
	// worker mode, connected back over a websocket.
	WSBaseURL        string `yaml:"wsBaseURL,omitempty"`        // Base websocket URL workers connect to
	WSSSLVerify      string `yaml:"wsSSLVerify,omitempty"`      // "yes" or "no" (default: yes)
	HeartbeatSeconds int    `yaml:"heartbeatSeconds,omitempty"` // Worker heartbeat interval

	// CallTimeoutSeconds bounds every synchronous engine call. A timeout
	// is a recoverable failure, not a fatal error.
	CallTimeoutSeconds int `yaml:"callTimeoutSeconds,omitempty"`
}

// DispatcherConfig configures the in-process task dispatcher.
type DispatcherConfig struct {
	DefaultQueue    string   `yaml:"defaultQueue,omitempty"`    // Queue for deferred jobs (default: default)
	WorkerQueues    []string `yaml:"workerQueues,omitempty"`    // One queue per worker pool (default: [activation])
	WorkersPerQueue int      `yaml:"workersPerQueue,omitempty"` // Concurrent workers per queue (default: 5)
}

// OrchestratorConfig carries the tunables of the orchestration core.
type OrchestratorConfig struct {
	// MaxRunningProcesses is the per-pool ceiling of concurrently
	// starting/running worker processes. Negative disables the check.
	MaxRunningProcesses int `yaml:"maxRunningProcesses,omitempty"`

	MonitorIntervalSeconds   int `yaml:"monitorIntervalSeconds,omitempty"`   // Sweep interval (default: 5)
	LivenessTimeoutSeconds   int `yaml:"livenessTimeoutSeconds,omitempty"`   // Running process liveness cutoff (default: 310)
	RestartSecondsOnFailure  int `yaml:"restartSecondsOnFailure,omitempty"`  // Auto-start delay after a failure (default: 60)
	RestartSecondsOnComplete int `yaml:"restartSecondsOnComplete,omitempty"` // Auto-start delay after completion (default: 0)
	MaxRestartsOnFailure     int `yaml:"maxRestartsOnFailure,omitempty"`     // Failure restarts before giving up (default: 5)
}

// NotifyConfig configures the chunked notification publisher.
type NotifyConfig struct {
	RedisAddr       string `yaml:"redisAddr,omitempty"`       // Redis server address (default: localhost:6379)
	RedisPassword   string `yaml:"redisPassword,omitempty"`   // Redis password (optional)
	RedisDB         int    `yaml:"redisDB,omitempty"`         // Redis database number
	MaxMessageBytes int    `yaml:"maxMessageBytes,omitempty"` // Per-message size ceiling (default: 6144)
}
