package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	addr            string
	mode            string
	topicID         uint
	topicName       string
	maxAgeSecs      uint64
	maxBytes        uint64
	consumerName    string
	offsetDir       string
	compression     bool
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	connectTimeout  time.Duration
	requestTimeout  time.Duration
}

var modes = map[string]struct{}{
	"list-topics":   {},
	"create-topic":  {},
	"delete-topic":  {},
	"get-topic":     {},
	"set-retention": {},
	"produce":       {},
	"consume":       {},
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	addr := flag.String("addr", "127.0.0.1:1992", "Lance server address (host:port)")
	mode := flag.String("mode", "list-topics", "Operation: list-topics|create-topic|delete-topic|get-topic|set-retention|produce|consume")
	topicID := flag.Uint("topic", 0, "Topic ID (delete-topic, get-topic, set-retention, produce, consume)")
	topicName := flag.String("name", "", "Topic name (create-topic)")
	maxAge := flag.Uint64("max-age", 0, "Retention: max age in seconds (0 = unlimited)")
	maxBytes := flag.Uint64("max-bytes", 0, "Retention: max bytes (0 = unlimited)")
	consumerName := flag.String("consumer", "lance-cli", "Consumer name (consume)")
	offsetDir := flag.String("offset-dir", "", "Directory for durable offset checkpoints; empty disables")
	compression := flag.Bool("compression", false, "LZ4-compress produced batches")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	connectTO := flag.Duration("connect-timeout", 10*time.Second, "Connect timeout")
	requestTO := flag.Duration("request-timeout", 30*time.Second, "Request/ack timeout")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.addr = *addr
	cfg.mode = *mode
	cfg.topicID = *topicID
	cfg.topicName = *topicName
	cfg.maxAgeSecs = *maxAge
	cfg.maxBytes = *maxBytes
	cfg.consumerName = *consumerName
	cfg.offsetDir = *offsetDir
	cfg.compression = *compression
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.connectTimeout = *connectTO
	cfg.requestTimeout = *requestTO

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if _, ok := modes[c.mode]; !ok {
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.mode == "create-topic" && c.topicName == "" {
		return errors.New("create-topic requires -name")
	}
	switch c.mode {
	case "delete-topic", "get-topic", "set-retention", "produce", "consume":
		if c.topicID == 0 {
			return fmt.Errorf("%s requires -topic", c.mode)
		}
	}
	if c.connectTimeout <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	if c.requestTimeout <= 0 {
		return errors.New("request-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps LANCE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations use Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["addr"]; !ok {
		if v, ok := get("LANCE_ADDR"); ok && v != "" {
			c.addr = v
		}
	}
	if _, ok := set["mode"]; !ok {
		if v, ok := get("LANCE_MODE"); ok && v != "" {
			c.mode = v
		}
	}
	if _, ok := set["topic"]; !ok {
		if v, ok := get("LANCE_TOPIC"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.topicID = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid LANCE_TOPIC: %w", err)
			}
		}
	}
	if _, ok := set["consumer"]; !ok {
		if v, ok := get("LANCE_CONSUMER"); ok && v != "" {
			c.consumerName = v
		}
	}
	if _, ok := set["offset-dir"]; !ok {
		if v, ok := get("LANCE_OFFSET_DIR"); ok {
			c.offsetDir = v
		}
	}
	if _, ok := set["compression"]; !ok {
		if v, ok := get("LANCE_COMPRESSION"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.compression = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid LANCE_COMPRESSION: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("LANCE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("LANCE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("LANCE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("LANCE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LANCE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["connect-timeout"]; !ok {
		if v, ok := get("LANCE_CONNECT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.connectTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LANCE_CONNECT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["request-timeout"]; !ok {
		if v, ok := get("LANCE_REQUEST_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.requestTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LANCE_REQUEST_TIMEOUT: %w", err)
			}
		}
	}
	return firstErr
}
