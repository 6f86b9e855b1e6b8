package config

import "fmt"

// Validate checks cross-field constraints that the YAML schema cannot
// express. It is called by LoadConfig and by tests that build configs by
// hand.
func Validate(c *Config) error {
	switch c.Engine.Backend {
	case BackendDocker, BackendKubernetes:
	default:
		return fmt.Errorf("engine.backend must be %q or %q, got %q",
			BackendDocker, BackendKubernetes, c.Engine.Backend)
	}

	if c.Engine.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.callTimeoutSeconds must be positive, got %d",
			c.Engine.CallTimeoutSeconds)
	}

	if len(c.Dispatcher.WorkerQueues) == 0 {
		return fmt.Errorf("dispatcher.workerQueues must name at least one worker pool")
	}
	if c.Dispatcher.WorkersPerQueue <= 0 {
		return fmt.Errorf("dispatcher.workersPerQueue must be positive, got %d",
			c.Dispatcher.WorkersPerQueue)
	}
	for _, q := range c.Dispatcher.WorkerQueues {
		if q == c.Dispatcher.DefaultQueue {
			return fmt.Errorf("worker queue %q collides with the default queue", q)
		}
	}

	if c.Orchestrator.LivenessTimeoutSeconds <= 0 {
		return fmt.Errorf("orchestrator.livenessTimeoutSeconds must be positive, got %d",
			c.Orchestrator.LivenessTimeoutSeconds)
	}
	if c.Orchestrator.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("orchestrator.monitorIntervalSeconds must be positive, got %d",
			c.Orchestrator.MonitorIntervalSeconds)
	}

	if c.Notify.MaxMessageBytes <= 0 {
		return fmt.Errorf("notify.maxMessageBytes must be positive, got %d",
			c.Notify.MaxMessageBytes)
	}
	return nil
}
