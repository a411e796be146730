package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	MetricsPort int
	LogLevel    string

	TickInterval        time.Duration
	DispatchInterval    time.Duration
	MaxQueueLength      int
	LaunchTimeout       time.Duration
	KillTimeout         time.Duration
	RegistrationTimeout time.Duration
	AccessTTL           time.Duration
	AccessTimeout       time.Duration
	FPSLimit            int
	ConstraintKeys      []string

	Subscription    string
	ResultTopic     string
	GoogleProjectID string
	CredentialsFile string

	LocalWorker LocalWorker
}

const (
	BackendExec   = "exec"
	BackendAgones = "agones"
)

// LocalWorker configures an in-process worker host. The exec backend
// starts Executable as a child process; the agones backend creates one
// Agones GameServer from Image per task in Namespace.
type LocalWorker struct {
	Backend      string
	Executable   string
	Image        string
	Namespace    string
	Port         int
	MaxProcesses int
	Region       string
	Address      string
	// CoordinatorAddress is handed to launched processes so their
	// session can dial back. This binary only serves the in-memory pipe,
	// so the address must belong to an external transport in front of it.
	CoordinatorAddress string
}

func (w LocalWorker) Enabled() bool {
	if w.Backend == BackendAgones {
		return w.Image != ""
	}
	return w.Executable != ""
}

func Load() *Config {
	cfg := &Config{
		MetricsPort: getEnvInt("COORDINATOR_METRICS_PORT", 8080),
		LogLevel:    strings.TrimSpace(getEnv("COORDINATOR_LOG_LEVEL", "info")),

		TickInterval:        getEnvDuration("COORDINATOR_TICK_INTERVAL", 20*time.Millisecond),
		DispatchInterval:    getEnvDuration("COORDINATOR_DISPATCH_INTERVAL", 100*time.Millisecond),
		MaxQueueLength:      getEnvInt("COORDINATOR_MAX_QUEUE_LENGTH", 10),
		LaunchTimeout:       getEnvDuration("COORDINATOR_LAUNCH_TIMEOUT", 10*time.Second),
		KillTimeout:         getEnvDuration("COORDINATOR_KILL_TIMEOUT", 10*time.Second),
		RegistrationTimeout: getEnvDuration("COORDINATOR_REGISTRATION_TIMEOUT", 60*time.Second),
		AccessTTL:           getEnvDuration("COORDINATOR_ACCESS_TTL", 10*time.Second),
		AccessTimeout:       getEnvDuration("COORDINATOR_ACCESS_TIMEOUT", 5*time.Second),
		FPSLimit:            getEnvInt("COORDINATOR_FPS_LIMIT", 60),
		ConstraintKeys:      getEnvList("COORDINATOR_CONSTRAINT_KEYS", []string{"region"}),

		Subscription:    strings.TrimSpace(getEnv("SPAWN_REQUEST_SUBSCRIPTION", "")),
		ResultTopic:     strings.TrimSpace(getEnv("SPAWN_RESULT_TOPIC", "")),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("COORDINATOR_GSA_CREDENTIALS"))),

		LocalWorker: LocalWorker{
			Backend:      strings.ToLower(strings.TrimSpace(getEnv("LOCAL_WORKER_BACKEND", BackendExec))),
			Executable:   strings.TrimSpace(getEnv("LOCAL_WORKER_EXECUTABLE", "")),
			Image:        strings.TrimSpace(getEnv("LOCAL_WORKER_IMAGE", "")),
			Namespace:    strings.TrimSpace(getEnv("LOCAL_WORKER_NAMESPACE", "default")),
			Port:         getEnvInt("LOCAL_WORKER_PORT", 7777),
			MaxProcesses: getEnvInt("LOCAL_WORKER_MAX_PROCESSES", 4),
			Region:       strings.TrimSpace(getEnv("LOCAL_WORKER_REGION", "")),
			Address:      strings.TrimSpace(getEnv("LOCAL_WORKER_ADDRESS", "127.0.0.1")),

			CoordinatorAddress: strings.TrimSpace(getEnv("LOCAL_WORKER_COORDINATOR_ADDRESS", "")),
		},
	}

	if cfg.PubsubEnabled() {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("COORDINATOR_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("config: Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or COORDINATOR_PUBSUB_PROJECT_ID")
		}
		if cfg.ResultTopic == "" {
			log.Warn().Msg("config: spawn requests enabled without a result topic; set SPAWN_RESULT_TOPIC")
		}
	} else {
		log.Info().Msg("config: SPAWN_REQUEST_SUBSCRIPTION not set; Pub/Sub intake disabled")
	}
	return cfg
}

// PubsubEnabled reports whether spawn requests are consumed from Pub/Sub.
func (c *Config) PubsubEnabled() bool { return c.Subscription != "" }

// Validate reports settings the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick interval must be positive, got %s", c.TickInterval)
	}
	if c.DispatchInterval < c.TickInterval {
		return fmt.Errorf("config: dispatch interval %s is shorter than the tick interval %s", c.DispatchInterval, c.TickInterval)
	}
	switch c.LocalWorker.Backend {
	case "", BackendExec, BackendAgones:
	default:
		return fmt.Errorf("config: unknown local worker backend %q", c.LocalWorker.Backend)
	}
	if c.PubsubEnabled() {
		if c.GoogleProjectID == "" {
			return fmt.Errorf("config: missing Google project id for subscription %q", c.Subscription)
		}
		if c.ResultTopic == "" {
			return fmt.Errorf("config: missing result topic for subscription %q", c.Subscription)
		}
	}
	return nil
}

// Warnings lists settings that start but cannot work as configured.
func (c *Config) Warnings() []string {
	var out []string
	if c.LocalWorker.Enabled() && c.LocalWorker.CoordinatorAddress == "" {
		out = append(out, "local worker enabled without LOCAL_WORKER_COORDINATOR_ADDRESS; launched processes cannot report back and every spawn will time out")
	}
	if c.LocalWorker.Executable != "" && c.LocalWorker.Backend == BackendAgones {
		out = append(out, "LOCAL_WORKER_EXECUTABLE is ignored by the agones backend")
	}
	return out
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"requestSubscription": c.Subscription,
		"resultTopic":         c.ResultTopic,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"credentialsProvided": c.CredentialsFile != "",
		"tickInterval":        c.TickInterval.String(),
		"dispatchInterval":    c.DispatchInterval.String(),
		"maxQueueLength":      c.MaxQueueLength,
		"launchTimeout":       c.LaunchTimeout.String(),
		"killTimeout":         c.KillTimeout.String(),
		"registrationTimeout": c.RegistrationTimeout.String(),
		"accessTTL":           c.AccessTTL.String(),
		"accessTimeout":       c.AccessTimeout.String(),
		"fpsLimit":            c.FPSLimit,
		"constraintKeys":      strings.Join(c.ConstraintKeys, ","),
		"localWorker":         c.LocalWorker.Enabled(),
		"localWorkerBackend":  c.LocalWorker.Backend,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid int; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid duration; using default")
	}
	return def
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", fmt.Errorf("config: parse credentials %s: %w", path, err)
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) GOOGLE_APPLICATION_CREDENTIALS
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("config: extracting project_id from GOOGLE_APPLICATION_CREDENTIALS")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("config: project_id not found in credentials file or unreadable")
	}

	// 2) COORDINATOR_PUBSUB_PROJECT_ID
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("config: using COORDINATOR_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) deployment override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("config: using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) common Google envs
	if v := strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT"))); v != "" {
		log.Info().Str("projectID", v).Msg("config: using Google project from common environment variables")
		return v
	}

	// 5) COORDINATOR_GSA_CREDENTIALS file
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("config: using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
