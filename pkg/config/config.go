// Package config centralizes TaskFlow's environment-driven configuration,
// grounded on the teacher's ad hoc os.Getenv calls in cmd/server/main.go
// and cmd/worker/main.go, generalized into one typed struct the way
// original_source/rds_config.py, s3_config.py, and sqs_config.py each
// group one component's environment knobs together.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved set of environment-driven knobs for every
// TaskFlow component. A single process reads only the fields it needs;
// cmd/apiserver, cmd/worker, and cmd/loadbalancer each call Load once at
// startup and build their own dependency graph from the result.
type Config struct {
	// APIKey gates every API endpoint when non-empty (teacher's API_KEY
	// convention in cmd/server/main.go); empty disables auth.
	APIKey string

	// RedisAddr is the backing store for the Redis-based queue/storage
	// backends. It defaults to 127.0.0.1:6379; whether it is used is
	// decided by UseRemoteQueue and UseRemoteStorage.
	RedisAddr string

	// UseRemoteQueue selects RemoteQueue (Redis) over InMemoryQueue, read
	// from spec.md's USE_SQS_QUEUE external interface.
	UseRemoteQueue bool
	// UseRemoteStorage selects RemoteStorage (Redis) over LocalStorage,
	// read from spec.md's USE_S3 external interface.
	UseRemoteStorage bool

	// StoragePath is the base directory for LocalStorage.
	StoragePath string

	// APIAddr is the address the API server listens on, read from
	// spec.md's LISTEN_ADDR external interface.
	APIAddr string
	// MetricsAddr is the address the worker's Prometheus endpoint listens on.
	MetricsAddr string
	// LoadBalancerAddr is the address the load balancer listens on.
	LoadBalancerAddr string

	// BackendInstances lists the (host, port) pairs the load balancer
	// forwards to. The load balancer builds each URL from its base URL and
	// the entry's port; the host is used only to label the instance.
	BackendInstances []InstanceAddr

	// HealthCheckInterval governs how often the load balancer re-probes
	// backend health.
	HealthCheckInterval time.Duration

	// BackupInterval governs how often the storage backup cron job runs.
	// Zero disables scheduled backups.
	BackupInterval time.Duration
	// HealthCheckEventInterval governs how often a SystemHealthCheck event
	// is published onto the event bus. Zero disables it.
	HealthCheckEventInterval time.Duration
}

// InstanceAddr is one load-balanced backend's address.
type InstanceAddr struct {
	Host string
	Port int
}

// Load builds a Config from the process environment, applying the same
// defaults the teacher's commands hardcoded inline. USE_SQS_QUEUE, USE_S3,
// and LISTEN_ADDR are the recognized options named verbatim by spec.md's
// External Interfaces section; everything else is an ambient knob this
// student added and kept under a TASKFLOW_ prefix to avoid colliding with
// those mandated names.
func Load() Config {
	return Config{
		APIKey:                   os.Getenv("API_KEY"),
		RedisAddr:                getenv("REDIS_ADDR", "127.0.0.1:6379"),
		UseRemoteQueue:           getenvBool("USE_SQS_QUEUE", false),
		UseRemoteStorage:         getenvBool("USE_S3", false),
		StoragePath:              getenv("TASKFLOW_STORAGE_PATH", "./data/tasks"),
		APIAddr:                  getenv("LISTEN_ADDR", ":8081"),
		MetricsAddr:              getenv("TASKFLOW_METRICS_ADDR", ":8080"),
		LoadBalancerAddr:         getenv("TASKFLOW_LB_ADDR", ":9000"),
		BackendInstances:         parseInstances(getenv("TASKFLOW_LB_BACKENDS", "")),
		HealthCheckInterval:      getenvDuration("TASKFLOW_LB_HEALTH_INTERVAL", 10*time.Second),
		BackupInterval:           getenvDuration("TASKFLOW_BACKUP_INTERVAL", 1*time.Hour),
		HealthCheckEventInterval: getenvDuration("TASKFLOW_HEALTHCHECK_EVENT_INTERVAL", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// parseInstances reads a comma-separated "host:port,host:port" list. An
// empty spec yields a single localhost:8081 instance, matching the
// teacher's hardcoded single-API-server assumption.
func parseInstances(spec string) []InstanceAddr {
	if spec == "" {
		return []InstanceAddr{{Host: "localhost", Port: 8081}}
	}

	var out []InstanceAddr
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ',' {
			if entry := spec[start:i]; entry != "" {
				if addr, ok := splitHostPort(entry); ok {
					out = append(out, addr)
				}
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return []InstanceAddr{{Host: "localhost", Port: 8081}}
	}
	return out
}

func splitHostPort(entry string) (InstanceAddr, bool) {
	idx := -1
	for i := len(entry) - 1; i >= 0; i-- {
		if entry[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InstanceAddr{}, false
	}
	port, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return InstanceAddr{}, false
	}
	return InstanceAddr{Host: entry[:idx], Port: port}, true
}
