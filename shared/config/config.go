package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"kafka-replicator/shared/backoffx"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	APIPrefix      string
	APIKey         string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	KafkaBrokers         []string
	KafkaTopics          []string
	KafkaClientID        string
	KafkaGroupID         string
	KafkaRetryInitialMS  int
	KafkaRetryRetries    int
	KafkaRetryMaxMS      int
	KafkaRetryFactor     float64
	KafkaRetryMultiplier float64
	KafkaWriteMS         int
	MaxEventsPerTopic    int

	ServerURL        string
	PollIntervalMS   int
	FetchTimeoutMS   int
	PublishTimeoutMS int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load resolves configuration from defaults, an optional JSON file, a .env file and the
// process environment, in that order. Problems are reported rather than treated as fatal;
// callers decide whether to refuse to start or to report not-ready.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	// .env never overrides variables already present in the environment.
	_ = godotenv.Load()

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                  envRaw,
		ServiceName:          serviceNameDefault,
		HTTPPort:             httpPortDefault,
		LogLevel:             "info",
		ConfigPath:           strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:     30000,
		APIPrefix:            "/api/v1",
		RateLimitRPS:         100.0 / (15 * 60),
		RateLimitBurst:       100,
		KafkaGroupID:         "kafka-replicator-group",
		KafkaRetryInitialMS:  int(backoffx.DefaultInitial / time.Millisecond),
		KafkaRetryRetries:    backoffx.DefaultRetries,
		KafkaRetryMaxMS:      int(backoffx.DefaultMax / time.Millisecond),
		KafkaRetryFactor:     backoffx.DefaultFactor,
		KafkaRetryMultiplier: backoffx.DefaultMultiplier,
		KafkaWriteMS:         5000,
		MaxEventsPerTopic:    10,
		PollIntervalMS:       1000,
		FetchTimeoutMS:       5000,
		PublishTimeoutMS:     5000,
		InfluxTimeoutMS:      5000,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}

	problems := make([]Problem, 0, 4)

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.KafkaClientID) == "" {
		cfg.KafkaClientID = cfg.ServiceName
	}
	cfg.APIPrefix = normalizePrefix(cfg.APIPrefix)

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	add := func(field, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		add("REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0")
		cfg.RequestTimeoutMS = 30000
	}
	if cfg.RateLimitRPS < 0 {
		add("RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be >= 0")
		cfg.RateLimitRPS = 100.0 / (15 * 60)
	}
	if cfg.RateLimitBurst <= 0 {
		add("RATE_LIMIT_BURST", "RATE_LIMIT_BURST must be > 0")
		cfg.RateLimitBurst = 100
	}
	if cfg.KafkaRetryInitialMS <= 0 {
		add("KAFKA_RETRY_INITIAL_MS", "KAFKA_RETRY_INITIAL_MS must be > 0")
		cfg.KafkaRetryInitialMS = int(backoffx.DefaultInitial / time.Millisecond)
	}
	if cfg.KafkaRetryRetries < 0 {
		add("KAFKA_RETRY_RETRIES", "KAFKA_RETRY_RETRIES must be >= 0")
		cfg.KafkaRetryRetries = backoffx.DefaultRetries
	}
	if cfg.KafkaRetryMaxMS < cfg.KafkaRetryInitialMS {
		add("KAFKA_RETRY_MAX_MS", "KAFKA_RETRY_MAX_MS must be >= KAFKA_RETRY_INITIAL_MS")
		cfg.KafkaRetryMaxMS = cfg.KafkaRetryInitialMS
	}
	if cfg.KafkaRetryFactor < 0 || cfg.KafkaRetryFactor > 1 {
		add("KAFKA_RETRY_FACTOR", "KAFKA_RETRY_FACTOR must be 0-1")
		cfg.KafkaRetryFactor = backoffx.DefaultFactor
	}
	if cfg.KafkaRetryMultiplier < 1 {
		add("KAFKA_RETRY_MULTIPLIER", "KAFKA_RETRY_MULTIPLIER must be >= 1")
		cfg.KafkaRetryMultiplier = backoffx.DefaultMultiplier
	}
	if cfg.KafkaWriteMS <= 0 {
		add("KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0")
		cfg.KafkaWriteMS = 5000
	}
	if cfg.MaxEventsPerTopic <= 0 {
		add("MAX_EVENTS_PER_TOPIC", "MAX_EVENTS_PER_TOPIC must be > 0")
		cfg.MaxEventsPerTopic = 10
	}
	if cfg.PollIntervalMS <= 0 {
		add("POLL_INTERVAL_MS", "POLL_INTERVAL_MS must be > 0")
		cfg.PollIntervalMS = 1000
	}
	if cfg.FetchTimeoutMS <= 0 {
		add("FETCH_TIMEOUT_MS", "FETCH_TIMEOUT_MS must be > 0")
		cfg.FetchTimeoutMS = 5000
	}
	if cfg.PublishTimeoutMS <= 0 {
		add("PUBLISH_TIMEOUT_MS", "PUBLISH_TIMEOUT_MS must be > 0")
		cfg.PublishTimeoutMS = 5000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		add("INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0")
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = 1.0
	}
}

// ConnectBackoff is the policy applied to broker connection establishment.
func (c Config) ConnectBackoff() backoffx.Policy {
	return backoffx.Policy{
		Initial:    time.Duration(c.KafkaRetryInitialMS) * time.Millisecond,
		Max:        time.Duration(c.KafkaRetryMaxMS) * time.Millisecond,
		Multiplier: c.KafkaRetryMultiplier,
		Factor:     c.KafkaRetryFactor,
		Retries:    c.KafkaRetryRetries,
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

func (c Config) KafkaWriteTimeout() time.Duration {
	return time.Duration(c.KafkaWriteMS) * time.Millisecond
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	// Aliases are read only when the canonical key is unset.
	aliases := map[string]string{
		"HTTP_PORT":        "PORT",
		"KAFKA_BROKERS":    "KAFKA_BROKER",
		"POLL_INTERVAL_MS": "POLLING_INTERVAL",
	}
	for _, key := range keys {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			if alias, ok := aliases[key]; ok {
				v = strings.TrimSpace(os.Getenv(alias))
			}
		}
		if v == "" {
			continue
		}
		set(cfg, key, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "PORT":
			key = "HTTP_PORT"
		case "KAFKA_BROKER":
			key = "KAFKA_BROKERS"
		case "POLLING_INTERVAL":
			key = "POLL_INTERVAL_MS"
		}
		set(cfg, key, v, problems)
	}
}

var keys = []string{
	"ENV", "SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"API_PREFIX", "API_KEY", "ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"KAFKA_BROKERS", "KAFKA_TOPICS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP",
	"KAFKA_RETRY_INITIAL_MS", "KAFKA_RETRY_RETRIES", "KAFKA_RETRY_MAX_MS",
	"KAFKA_RETRY_FACTOR", "KAFKA_RETRY_MULTIPLIER", "KAFKA_WRITE_TIMEOUT_MS",
	"MAX_EVENTS_PER_TOPIC", "SERVER_URL", "POLL_INTERVAL_MS", "FETCH_TIMEOUT_MS",
	"PUBLISH_TIMEOUT_MS", "INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET",
	"INFLUX_TIMEOUT_MS", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

// set applies a single raw value (string from the environment, or any JSON value from the
// config file) to cfg. Unknown keys are ignored.
func set(cfg *Config, key string, v any, problems *[]Problem) {
	str := func(dst *string) {
		if s, ok := v.(string); ok {
			*dst = strings.TrimSpace(s)
		}
	}
	nonEmpty := func(dst *string) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			*dst = strings.TrimSpace(s)
		}
	}
	integer := func(dst *int) {
		if n, ok := asInt(v); ok {
			*dst = n
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
	}
	float := func(dst *float64) {
		if f, ok := asFloat(v); ok {
			*dst = f
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
	}
	boolean := func(dst *bool) {
		if b, ok := asBool(v); ok {
			*dst = b
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
	list := func(dst *[]string) {
		switch t := v.(type) {
		case string:
			*dst = parseCSV(t)
		case []any:
			*dst = parseAnyCSV(t)
		}
	}

	switch key {
	case "ENV":
		str(&cfg.Env)
	case "SERVICE_NAME":
		nonEmpty(&cfg.ServiceName)
	case "HTTP_PORT":
		p, ok := asInt(v)
		if !ok || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	case "LOG_LEVEL":
		nonEmpty(&cfg.LogLevel)
	case "REQUEST_TIMEOUT_MS":
		integer(&cfg.RequestTimeoutMS)
	case "API_PREFIX":
		str(&cfg.APIPrefix)
	case "API_KEY":
		str(&cfg.APIKey)
	case "ALLOWED_ORIGINS":
		list(&cfg.AllowedOrigins)
	case "RATE_LIMIT_RPS":
		float(&cfg.RateLimitRPS)
	case "RATE_LIMIT_BURST":
		integer(&cfg.RateLimitBurst)
	case "KAFKA_BROKERS":
		list(&cfg.KafkaBrokers)
	case "KAFKA_TOPICS":
		list(&cfg.KafkaTopics)
	case "KAFKA_CLIENT_ID":
		str(&cfg.KafkaClientID)
	case "KAFKA_CONSUMER_GROUP":
		nonEmpty(&cfg.KafkaGroupID)
	case "KAFKA_RETRY_INITIAL_MS":
		integer(&cfg.KafkaRetryInitialMS)
	case "KAFKA_RETRY_RETRIES":
		integer(&cfg.KafkaRetryRetries)
	case "KAFKA_RETRY_MAX_MS":
		integer(&cfg.KafkaRetryMaxMS)
	case "KAFKA_RETRY_FACTOR":
		float(&cfg.KafkaRetryFactor)
	case "KAFKA_RETRY_MULTIPLIER":
		float(&cfg.KafkaRetryMultiplier)
	case "KAFKA_WRITE_TIMEOUT_MS":
		integer(&cfg.KafkaWriteMS)
	case "MAX_EVENTS_PER_TOPIC":
		integer(&cfg.MaxEventsPerTopic)
	case "SERVER_URL":
		if s, ok := v.(string); ok {
			cfg.ServerURL = strings.TrimRight(strings.TrimSpace(s), "/")
		}
	case "POLL_INTERVAL_MS":
		integer(&cfg.PollIntervalMS)
	case "FETCH_TIMEOUT_MS":
		integer(&cfg.FetchTimeoutMS)
	case "PUBLISH_TIMEOUT_MS":
		integer(&cfg.PublishTimeoutMS)
	case "INFLUX_URL":
		str(&cfg.InfluxURL)
	case "INFLUX_TOKEN":
		str(&cfg.InfluxToken)
	case "INFLUX_ORG":
		str(&cfg.InfluxOrg)
	case "INFLUX_BUCKET":
		str(&cfg.InfluxBucket)
	case "INFLUX_TIMEOUT_MS":
		integer(&cfg.InfluxTimeoutMS)
	case "OTEL_ENABLED":
		boolean(&cfg.OtelEnabled)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		str(&cfg.OtelEndpoint)
	case "OTEL_EXPORTER_OTLP_INSECURE":
		boolean(&cfg.OtelInsecure)
	case "OTEL_SAMPLE_RATIO":
		float(&cfg.OtelSampleRatio)
	}
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}

func asInt(v any) (int, bool) {
	v = plain(v)
	n, err := cast.ToIntE(v)
	return n, err == nil
}

func asBool(v any) (bool, bool) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		default:
			return false, false
		}
	}
	b, err := cast.ToBoolE(v)
	return b, err == nil
}

func asFloat(v any) (float64, bool) {
	v = plain(v)
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

// plain turns json.Number and padded strings into values cast understands.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case string:
		return strings.TrimSpace(t)
	default:
		return v
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
