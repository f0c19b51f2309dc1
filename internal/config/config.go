package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Configuration
	HTTPAddr    string
	UseSSL      bool
	TLSCertFile string
	TLSKeyFile  string

	// Backend Configuration
	BackendKind     string
	ModelServerURL  string
	ModelLogFile    string
	BackendParallel bool
	BackendTimeout  time.Duration
	WorkflowPath    string

	// Log markers driving model lifecycle actions
	ModelLoadedMarker string
	ModelErrorMarkers []string
	ModelInfoMarkers  []string

	// Reporting Configuration
	InstanceID      string
	InstanceURL     string
	ReportAddr      string
	ReportInterval  time.Duration
	ReportIdleEvery time.Duration
	ReportAttempts  int
	ReportBackoff   time.Duration
	ReportBackoffMax time.Duration

	// Workload Configuration
	CalibrationPath string
	PartialCredit   float64

	// Benchmark Configuration
	BenchmarkRuns int

	// Auth Configuration
	AuthPubkeyURL string

	// NATS Configuration (optional telemetry)
	NatsURL        string
	TelemetryTopic string

	// Data Directory Configuration
	DataDir string

	// Database Configuration
	DBPath string
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8081"),
		UseSSL:      getEnvBool("USE_SSL", false),
		TLSCertFile: getEnv("TLS_CERT_FILE", "/etc/instance.crt"),
		TLSKeyFile:  getEnv("TLS_KEY_FILE", "/etc/instance.key"),

		BackendKind:     getEnv("BACKEND_KIND", "text-generation"),
		ModelServerURL:  getEnv("MODEL_SERVER_URL", "http://127.0.0.1:5001"),
		ModelLogFile:    getEnv("MODEL_LOG", ""),
		BackendParallel: getEnvBool("BACKEND_PARALLEL", true),
		BackendTimeout:  getEnvDuration("BACKEND_TIMEOUT", "0s"),
		WorkflowPath:    getEnv("WORKFLOW_PATH", ""),

		ModelLoadedMarker: getEnv("MODEL_LOADED_MARKER", ""),
		ModelErrorMarkers: getEnvList("MODEL_ERROR_MARKERS"),
		ModelInfoMarkers:  getEnvList("MODEL_INFO_MARKERS"),

		InstanceID:       getEnv("INSTANCE_ID", ""),
		InstanceURL:      getEnv("INSTANCE_URL", ""),
		ReportAddr:       getEnv("REPORT_ADDR", ""),
		ReportInterval:   getEnvDuration("REPORT_INTERVAL", "1s"),
		ReportIdleEvery:  getEnvDuration("REPORT_IDLE_EVERY", "10s"),
		ReportAttempts:   getEnvInt("REPORT_ATTEMPTS", 3),
		ReportBackoff:    getEnvDuration("REPORT_BACKOFF", "2s"),
		ReportBackoffMax: getEnvDuration("REPORT_BACKOFF_MAX", "30s"),

		CalibrationPath: getEnv("WORKLOAD_CALIBRATION", ""),
		PartialCredit:   getEnvFloat("PARTIAL_CREDIT", 0.0),

		BenchmarkRuns: getEnvInt("BENCHMARK_RUNS", 3),

		AuthPubkeyURL: getEnv("AUTH_PUBKEY_URL", ""),

		NatsURL:        getEnv("NATS_URL", ""),
		TelemetryTopic: getEnv("TELEMETRY_TOPIC", "worker.telemetry"),

		DataDir: getEnv("DATA_DIR", "data"),
		DBPath:  getEnv("DB_PATH", "data/worker.sqlite"),
	}

	if cfg.PartialCredit < 0 || cfg.PartialCredit > 1 {
		return nil, fmt.Errorf("PARTIAL_CREDIT must be in [0,1], got %v", cfg.PartialCredit)
	}
	if cfg.ReportAttempts < 1 {
		return nil, fmt.Errorf("REPORT_ATTEMPTS must be at least 1, got %d", cfg.ReportAttempts)
	}
	return cfg, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
