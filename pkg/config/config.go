// Package config loads process settings from the environment and the rota
// definition (areas, counts, skip policy, defaults) from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arnavshah/rota-api-go/pkg/calendar"
	"github.com/arnavshah/rota-api-go/pkg/models"
)

var (
	ErrNoAreas       = errors.New("rota config defines no areas")
	ErrBadCount      = errors.New("area count must be positive")
	ErrBadApplyMode  = errors.New("unknown apply mode")
	ErrDuplicateArea = errors.New("duplicate area name")
)

// Config holds process-level settings
type Config struct {
	Port            string        `env:"PORT" envDefault:"8000"`
	GinMode         string        `env:"GIN_MODE"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	DataPath        string        `env:"DATA_PATH" envDefault:"rota.db"`
	LedgerPath      string        `env:"LEDGER_PATH" envDefault:"ledger.json"`
	RotaFile        string        `env:"ROTA_CONFIG" envDefault:"rota.yaml"`
	JWTSecret       string        `env:"JWT_SECRET"`
	APIMasterSecret string        `env:"API_MASTER_SECRET"`
	AdminUsername   string        `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword   string        `env:"ADMIN_PASSWORD" envDefault:"admin123"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"14"`
	OracleMode      string        `env:"ORACLE_MODE" envDefault:"chat"`
	OpenAIKey       string        `env:"OPENAI_API_KEY"`
	OpenAIModel     string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL"`
	OracleCommand   string        `env:"ORACLE_COMMAND"`
	OracleArgs      []string      `env:"ORACLE_ARGS" envSeparator:" "`
	RunTimeout      time.Duration `env:"RUN_TIMEOUT" envDefault:"90s"`
	TeardownGrace   time.Duration `env:"TEARDOWN_GRACE" envDefault:"5s"`
	WatchDebounce   time.Duration `env:"WATCH_DEBOUNCE" envDefault:"250ms"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadDotEnv loads the first .env found, trying root and parent directories
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../.env", "../../.env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// Load parses the environment into a Config
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.OracleMode {
	case "chat", "command", "none":
	default:
		return Config{}, fmt.Errorf("ORACLE_MODE must be chat, command or none, got %q", cfg.OracleMode)
	}
	return cfg, nil
}

// Area is one duty area and how many people it needs per day
type Area struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

// Rota is the scheduling configuration snapshot a run works against
type Rota struct {
	Areas               []Area           `yaml:"areas"`
	SkipWeekends        bool             `yaml:"skip_weekends"`
	SkipWeekdays        []string         `yaml:"skip_weekdays"`
	Holidays            []string         `yaml:"holidays"`
	DefaultApplyMode    models.ApplyMode `yaml:"default_apply_mode"`
	DefaultCoverageDays int              `yaml:"default_coverage_days"`
	DefaultInstruction  string           `yaml:"default_instruction"`
	Timezone            string           `yaml:"timezone"`
}

// LoadRota reads and validates a rota file
func LoadRota(path string) (*Rota, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rota config: %w", err)
	}
	return ParseRota(data)
}

// ParseRota decodes YAML, applies defaults and validates
func ParseRota(data []byte) (*Rota, error) {
	var r Rota
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding rota config: %w", err)
	}
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rota) applyDefaults() {
	if r.DefaultApplyMode == "" {
		r.DefaultApplyMode = models.ApplyAppend
	}
	if r.DefaultCoverageDays == 0 {
		r.DefaultCoverageDays = 5
	}
}

// Validate checks the rota for anything a run could not work with
func (r *Rota) Validate() error {
	if len(r.Areas) == 0 {
		return ErrNoAreas
	}
	seen := make(map[string]bool, len(r.Areas))
	for _, a := range r.Areas {
		if a.Count <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrBadCount, a.Name, a.Count)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateArea, a.Name)
		}
		seen[a.Name] = true
	}
	if !r.DefaultApplyMode.Valid() {
		return fmt.Errorf("%w: %s", ErrBadApplyMode, r.DefaultApplyMode)
	}
	if r.DefaultCoverageDays < 0 {
		return fmt.Errorf("default_coverage_days must not be negative")
	}
	if _, err := r.SkipPolicy(); err != nil {
		return err
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	return nil
}

// SkipPolicy builds the calendar policy for this rota
func (r *Rota) SkipPolicy() (calendar.SkipPolicy, error) {
	return calendar.NewSkipPolicy(r.SkipWeekends, r.SkipWeekdays, r.Holidays)
}

// Location resolves the rota timezone; empty means UTC
func (r *Rota) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// AreaOrder lists area names in file order
func (r *Rota) AreaOrder() []string {
	names := make([]string, len(r.Areas))
	for i, a := range r.Areas {
		names[i] = a.Name
	}
	return names
}

// Capacities returns per-area counts with request overrides applied.
// Overrides may name areas that are not in the file.
func (r *Rota) Capacities(overrides map[string]int) map[string]int {
	out := make(map[string]int, len(r.Areas)+len(overrides))
	for _, a := range r.Areas {
		out[a.Name] = a.Count
	}
	for name, n := range overrides {
		out[name] = n
	}
	return out
}

// RotaSource yields a fresh snapshot of the rota config for each run
type RotaSource interface {
	Rota() (*Rota, error)
}

// FileRota re-reads the YAML file every time it is asked
type FileRota string

func (f FileRota) Rota() (*Rota, error) { return LoadRota(string(f)) }

// StaticRota always returns a copy of the same config
type StaticRota struct{ R Rota }

func (s StaticRota) Rota() (*Rota, error) {
	r := s.R
	r.Areas = append([]Area(nil), s.R.Areas...)
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
