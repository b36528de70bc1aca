package queue

import "os"

// Config toggles whether the ring-based queue is used at all, or whether
// the submission path runs synchronously on the calling thread (spec.md §6).
type Config struct {
	// Enabled mirrors TASK_QUEUE_ENABLE. When false, Enqueue's caller is
	// expected to run the execute callback directly instead of routing
	// through the ring (the facade package implements that bypass).
	Enabled bool

	// LaunchBlocking mirrors ASCEND_LAUNCH_BLOCKING: every call runs on the
	// producer thread, bypassing the ring, for deterministic debugging.
	LaunchBlocking bool
}

// LoadConfigFromEnv reads TASK_QUEUE_ENABLE and ASCEND_LAUNCH_BLOCKING from
// the process environment. Both default to enabled-queue / non-blocking
// when unset or unrecognized, matching the framework's normal running mode.
func LoadConfigFromEnv() Config {
	return Config{
		Enabled:        boolEnv("TASK_QUEUE_ENABLE", true),
		LaunchBlocking: boolEnv("ASCEND_LAUNCH_BLOCKING", false),
	}
}

func boolEnv(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch v {
	case "0", "false", "False", "FALSE":
		return false
	case "1", "true", "True", "TRUE":
		return true
	default:
		return def
	}
}
