package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envElementTimeout   = "TIMEOUT_FOR_INTERACTING_WITH_ELEMENT_IN_SECONDS"
	envPollInterval     = "POLL_INTERVAL_MILLIS"
	envRefreshPeriod    = "FORM_REFRESH_PERIOD_IN_SECONDS"
	envAntiCaptchaKey   = "ANTI_CAPTCHA_CLIENT_KEY"
	envTimeslotReversed = "IS_TIMESLOT_SELECT_REVERSED"
	envFormURL          = "FORM_URL"
	envWSEndpoint       = "BROWSER_WS_ENDPOINT"
	envHeadless         = "FORM_HEADLESS"
	envSnapshotDir      = "SNAPSHOT_DIR"
	envScreenshots      = "SNAPSHOT_SCREENSHOTS"
	envS3Bucket         = "SNAPSHOT_S3_BUCKET"
	envAWSRegion        = "AWS_REGION"
)

// Config is built once at start-up and handed to every component that needs
// it. Nothing reads it from package state.
type Config struct {
	ElementTimeoutSeconds    int    `yaml:"element_timeout_seconds"`
	PollIntervalMillis       int    `yaml:"poll_interval_millis"`
	FormRefreshPeriodSeconds int    `yaml:"form_refresh_period_seconds"`
	AntiCaptchaClientKey     string `yaml:"anti_captcha_client_key"`
	TimeslotSelectReversed   bool   `yaml:"timeslot_select_reversed"`
	FormURL                  string `yaml:"form_url"`
	BrowserWSEndpoint        string `yaml:"browser_ws_endpoint"`
	Headless                 bool   `yaml:"headless"`
	SnapshotDir              string `yaml:"snapshot_dir"`
	SnapshotScreenshots      bool   `yaml:"snapshot_screenshots"`
	SnapshotS3Bucket         string `yaml:"snapshot_s3_bucket"`
	AWSRegion                string `yaml:"aws_region"`
}

func Default() Config {
	return Config{
		ElementTimeoutSeconds:    20,
		PollIntervalMillis:       500,
		FormRefreshPeriodSeconds: 60,
		Headless:                 true,
		SnapshotDir:              "snapshots",
		AWSRegion:                "eu-central-1",
	}
}

func (c Config) ElementTimeout() time.Duration {
	return time.Duration(c.ElementTimeoutSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c Config) RefreshPeriod() time.Duration {
	return time.Duration(c.FormRefreshPeriodSeconds) * time.Second
}

// Load layers defaults, the optional YAML file at path, a .env file in the
// working directory and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.ElementTimeoutSeconds, err = intEnv(envElementTimeout, cfg.ElementTimeoutSeconds); err != nil {
		return err
	}
	if cfg.PollIntervalMillis, err = intEnv(envPollInterval, cfg.PollIntervalMillis); err != nil {
		return err
	}
	if cfg.FormRefreshPeriodSeconds, err = intEnv(envRefreshPeriod, cfg.FormRefreshPeriodSeconds); err != nil {
		return err
	}
	cfg.AntiCaptchaClientKey = stringEnv(envAntiCaptchaKey, cfg.AntiCaptchaClientKey)
	cfg.TimeslotSelectReversed = parseBoolEnv(envTimeslotReversed, cfg.TimeslotSelectReversed)
	cfg.FormURL = stringEnv(envFormURL, cfg.FormURL)
	cfg.BrowserWSEndpoint = stringEnv(envWSEndpoint, cfg.BrowserWSEndpoint)
	cfg.Headless = parseBoolEnv(envHeadless, cfg.Headless)
	cfg.SnapshotDir = stringEnv(envSnapshotDir, cfg.SnapshotDir)
	cfg.SnapshotScreenshots = parseBoolEnv(envScreenshots, cfg.SnapshotScreenshots)
	cfg.SnapshotS3Bucket = stringEnv(envS3Bucket, cfg.SnapshotS3Bucket)
	cfg.AWSRegion = stringEnv(envAWSRegion, cfg.AWSRegion)
	return nil
}

func (c Config) Validate() error {
	if c.ElementTimeoutSeconds <= 0 {
		return fmt.Errorf("%s must be positive, got %d", envElementTimeout, c.ElementTimeoutSeconds)
	}
	if c.PollIntervalMillis <= 0 {
		return fmt.Errorf("%s must be positive, got %d", envPollInterval, c.PollIntervalMillis)
	}
	if c.FormRefreshPeriodSeconds < 0 {
		return fmt.Errorf("%s must not be negative", envRefreshPeriod)
	}
	return nil
}

func stringEnv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return strings.Trim(v, "\"'")
	}
	return def
}

func intEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
