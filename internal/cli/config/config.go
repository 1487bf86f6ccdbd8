package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSubmitBaseURL = "http://127.0.0.1:8080"
	DefaultJudgeBaseURL  = "http://127.0.0.1:8081"
	DefaultTimeout       = 10 * time.Second
	DefaultStatePath     = "configs/cli_state.json"
	DefaultHistoryPath   = "configs/cli_history"
)

// Config holds CLI configuration.
type Config struct {
	SubmitBaseURL string        `yaml:"submitBaseURL"`
	JudgeBaseURL  string        `yaml:"judgeBaseURL"`
	Timeout       time.Duration `yaml:"timeout"`
	StatePath     string        `yaml:"statePath"`
	HistoryPath   string        `yaml:"historyPath"`
	PrettyJSON    *bool         `yaml:"prettyJSON"`
}

func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file failed: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SubmitBaseURL == "" {
		cfg.SubmitBaseURL = DefaultSubmitBaseURL
	}
	if cfg.JudgeBaseURL == "" {
		cfg.JudgeBaseURL = DefaultJudgeBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = DefaultHistoryPath
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
}
