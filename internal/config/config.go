package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/conclave/internal/types"
)

// Duration is a time.Duration written as a string such as "90s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var n float64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("duration must be a string like \"90s\": %w", err)
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	Listen        string `json:"listen"`
	MaxConcurrent int    `json:"max_concurrent"`
	LLM           struct {
		BaseURL          string   `json:"base_url"`
		APIKey           string   `json:"api_key"`
		Model            string   `json:"model"`
		SynthesisModel   string   `json:"synthesis_model"`
		MaxTokens        int      `json:"max_tokens"`
		Temperature      float32  `json:"temperature"`
		MaxContextTokens int      `json:"max_context_tokens"`
		OutputReserve    int      `json:"output_reserve"`
		Timeout          Duration `json:"timeout"`
		Instructions     string   `json:"instructions"`
	} `json:"llm"`
	Relay struct {
		DefaultAgent  string   `json:"default_agent"`
		StreamTimeout Duration `json:"stream_timeout"`
		HistoryLimit  int      `json:"history_limit"`
	} `json:"relay"`
	Collaboration struct {
		Roster           []types.AgentProfile `json:"roster"`
		RosterFile       string               `json:"roster_file"`
		TaskTimeout      Duration             `json:"task_timeout"`
		SynthesisTimeout Duration             `json:"synthesis_timeout"`
		Concurrency      int                  `json:"concurrency"`
		ClipTokens       int                  `json:"clip_tokens"`
		RatePerMinute    float64              `json:"rate_per_minute"`
		Burst            int                  `json:"burst"`
	} `json:"collaboration"`
	Attachments struct {
		MaxBytes    int64 `json:"max_bytes"`
		MaxChars    int   `json:"max_chars"`
		Concurrency int   `json:"concurrency"`
	} `json:"attachments"`
	Drive struct {
		BaseURL      string `json:"base_url"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		TokenURL     string `json:"token_url"`
	} `json:"drive"`
	Auth struct {
		JWTSecret string   `json:"jwt_secret"`
		TokenTTL  Duration `json:"token_ttl"`
	} `json:"auth"`
	Schedule struct {
		CredentialRefresh   string   `json:"credential_refresh"`
		TranscriptPrune     string   `json:"transcript_prune"`
		TranscriptRetention Duration `json:"transcript_retention"`
	} `json:"schedule"`
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".conclave"),
		MaxConcurrent: 8,
	}
	cfg.LogLevel = "info"
	cfg.Listen = "127.0.0.1:8080"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.Timeout = Duration(2 * time.Minute)
	cfg.Relay.HistoryLimit = 50
	cfg.Collaboration.Concurrency = 0
	cfg.Collaboration.ClipTokens = 1500
	cfg.Collaboration.RatePerMinute = 10
	cfg.Collaboration.Burst = 3
	cfg.Attachments.MaxBytes = 10 << 20
	cfg.Attachments.MaxChars = 50000
	cfg.Attachments.Concurrency = 4
	cfg.Drive.BaseURL = "https://www.googleapis.com/drive/v3"
	cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	cfg.Schedule.CredentialRefresh = "@every 5m"
	cfg.Schedule.TranscriptPrune = "@daily"
	cfg.Schedule.TranscriptRetention = Duration(30 * 24 * time.Hour)
	return cfg
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Bare $VAR is
// left alone so secrets containing '$' survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if secret := os.Getenv("CONCLAVE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := os.Getenv("DRIVE_ACCESS_TOKEN"); token != "" {
		cfg.Drive.AccessToken = token
	}
	if token := os.Getenv("DRIVE_REFRESH_TOKEN"); token != "" {
		cfg.Drive.RefreshToken = token
	}
	if secret := os.Getenv("DRIVE_CLIENT_SECRET"); secret != "" {
		cfg.Drive.ClientSecret = secret
	}

	if cfg.Collaboration.RosterFile != "" {
		rosterPath := cfg.Collaboration.RosterFile
		if !filepath.IsAbs(rosterPath) {
			rosterPath = filepath.Join(filepath.Dir(path), rosterPath)
		}
		roster, err := LoadRoster(rosterPath)
		if err != nil {
			return nil, err
		}
		cfg.Collaboration.Roster = roster
	}

	return cfg, nil
}

type rosterFile struct {
	Agents []types.AgentProfile `yaml:"agents"`
}

// LoadRoster reads a YAML roster, either a list of agents or a document with
// an agents key.
func LoadRoster(path string) ([]types.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	data = expandEnv(data)

	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Agents) > 0 {
		return doc.Agents, nil
	}
	var list []types.AgentProfile
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return list, nil
}

// Validate reports configuration errors that make the service unusable.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be positive"))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	for name, d := range map[string]Duration{
		"llm.timeout":                     c.LLM.Timeout,
		"relay.stream_timeout":            c.Relay.StreamTimeout,
		"collaboration.task_timeout":      c.Collaboration.TaskTimeout,
		"collaboration.synthesis_timeout": c.Collaboration.SynthesisTimeout,
		"schedule.transcript_retention":   c.Schedule.TranscriptRetention,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	seen := make(map[types.AgentID]bool)
	for i, a := range c.Collaboration.Roster {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("collaboration.roster[%d] has no id", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("collaboration.roster has duplicate id %q", a.ID))
		}
		seen[a.ID] = true
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("collaboration.roster[%d] has no name", i))
		}
	}
	return errors.Join(errs...)
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	return writeJSON(path, cfg)
}

func writeDefaults(path string, cfg *Config) error {
	if err := writeJSON(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its nested JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg to dot keys, masking secrets when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under key in the config file at path.
// The file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. Values that
// parse as JSON keep their JSON type; anything else is stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	var v any = value
	if !IsSecretKey(key) {
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			v = parsed
		}
	}
	flat := Flatten(m)
	flat[key] = v
	return writeJSON(path, Unflatten(flat))
}
