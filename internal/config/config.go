// Package config loads the YAML run configuration, applies environment
// overrides and defaults, and validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned (wrapped) when the configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Session modes.
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
	ModeLive     = "live"
)

// Screener kinds.
const (
	ScreenerStatic   = "static"
	ScreenerActivity = "activity"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for a limitless run.
type Config struct {
	Alpaca   Alpaca   `yaml:"alpaca"`
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
	Trading  Trading  `yaml:"trading"`
	Session  Session  `yaml:"session"`
	Screener Screener `yaml:"screener"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker and market
// data APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed" validate:"omitempty,oneof=iex sip otc"`
}

// LogValue keeps credentials out of logs.
func (a Alpaca) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", redact(a.APIKey)),
		slog.String("api_secret", redact(a.APISecret)),
		slog.String("base_url", a.BaseURL),
		slog.String("data_url", a.DataURL),
		slog.String("feed", a.Feed),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Trading defines per-symbol strategy and execution limits.
type Trading struct {
	Symbols                []string `yaml:"symbols" validate:"dive,required"`
	Strategy               string   `yaml:"strategy"`
	SMADays                int      `yaml:"sma_days" validate:"gte=0"`
	ActionIntervalMS       int      `yaml:"action_interval_ms" validate:"gte=0"`
	CooldownTicks          int      `yaml:"cooldown_ticks" validate:"gte=0"`
	StopLossProportion     float64  `yaml:"stop_loss_proportion" validate:"gte=0,lte=1"`
	TakeProfitProportion   float64  `yaml:"take_profit_proportion" validate:"gte=0"`
	TrailingStopProportion float64  `yaml:"trailing_stop_proportion" validate:"gte=0,lt=1"`
	MaxSpendPerBuy         float64  `yaml:"max_spend_per_buy" validate:"gte=0"`
	MaxSharePrice          float64  `yaml:"max_share_price" validate:"gte=0"`
	MaxSpendPerRun         float64  `yaml:"max_spend_per_run" validate:"gte=0"`
	MaxCloseAttempts       int      `yaml:"max_close_attempts" validate:"gte=0"`
	SummaryEvery           int      `yaml:"summary_every" validate:"gte=0"`
	Workers                int      `yaml:"workers" validate:"gte=0"`
	CloseOnExit            bool     `yaml:"close_on_exit"`
}

// ActionInterval returns the action cadence as a duration.
func (t Trading) ActionInterval() time.Duration {
	return time.Duration(t.ActionIntervalMS) * time.Millisecond
}

// Session bounds a run in time and describes market hours.
type Session struct {
	Mode          string `yaml:"mode" validate:"required,oneof=backtest paper live"`
	BacktestStart string `yaml:"backtest_start" validate:"required_if=Mode backtest"`
	BacktestEnd   string `yaml:"backtest_end" validate:"required_if=Mode backtest"`
	StepMS        int    `yaml:"step_ms" validate:"gte=0"`
	RunSeconds    int    `yaml:"run_seconds" validate:"gte=0"`
	Timezone      string `yaml:"timezone"`
	RegularOpen   string `yaml:"regular_open" validate:"omitempty,hhmm"`
	RegularClose  string `yaml:"regular_close" validate:"omitempty,hhmm"`
	ActiveStart   string `yaml:"active_start" validate:"omitempty,hhmm"`
	ActiveEnd     string `yaml:"active_end" validate:"omitempty,hhmm"`
	WarmupDays    int    `yaml:"warmup_days" validate:"gte=0"`
	UseQuotes     bool   `yaml:"use_quotes"`
}

// Step returns the simulated clock increment.
func (s Session) Step() time.Duration {
	return time.Duration(s.StepMS) * time.Millisecond
}

// Simulated reports whether orders go to the in-process simulator.
func (s Session) Simulated() bool { return s.Mode == ModeBacktest }

// Location loads the session time zone.
func (s Session) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// Bounds parses the backtest start and end in the session zone. Accepted
// layouts are RFC 3339, "2006-01-02 15:04" and "2006-01-02".
func (s Session) Bounds() (start, end time.Time, err error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start, err = parseTime(s.BacktestStart, loc); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest_start: %w", err)
	}
	if end, err = parseTime(s.BacktestEnd, loc); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest_end: %w", err)
	}
	return start, end, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// Screener selects how the active symbol roster is chosen.
type Screener struct {
	Kind       string   `yaml:"kind" validate:"omitempty,oneof=static activity"`
	Top        int      `yaml:"top" validate:"gte=0"`
	IntervalMS int      `yaml:"interval_ms" validate:"gte=0"`
	Universe   []string `yaml:"universe"`
}

// Interval returns the re-screen cadence; zero disables re-screening.
func (s Screener) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load on an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Alpaca.Feed, "iex")
	setDefault(&cfg.Storage.DataDir, "data")
	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")

	t := &cfg.Trading
	setDefault(&t.Strategy, "sma-cross")
	setDefaultInt(&t.SMADays, 20)
	setDefaultInt(&t.ActionIntervalMS, 60_000)
	setDefaultInt(&t.CooldownTicks, 5)
	if t.StopLossProportion == 0 {
		t.StopLossProportion = 0.98
	}
	if t.TakeProfitProportion == 0 {
		t.TakeProfitProportion = 1.04
	}
	if t.MaxSpendPerBuy == 0 {
		t.MaxSpendPerBuy = 1000
	}
	if t.MaxSharePrice == 0 {
		t.MaxSharePrice = 500
	}
	setDefaultInt(&t.MaxCloseAttempts, 10)
	setDefaultInt(&t.SummaryEvery, 30)
	setDefaultInt(&t.Workers, 8)

	s := &cfg.Session
	setDefaultInt(&s.StepMS, 60_000)
	setDefault(&s.Timezone, "America/New_York")
	setDefault(&s.RegularOpen, "09:30")
	setDefault(&s.RegularClose, "16:00")
	setDefault(&s.ActiveStart, s.RegularOpen)
	setDefault(&s.ActiveEnd, s.RegularClose)
	setDefaultInt(&s.WarmupDays, t.SMADays+1)

	setDefault(&cfg.Screener.Kind, ScreenerStatic)
	setDefaultInt(&cfg.Screener.Top, 10)
}

func setDefault(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setDefaultInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and the cross-field rules that struct
// tags cannot express. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Session.Location(); err != nil {
		return fmt.Errorf("%w: session.timezone: %v", ErrInvalid, err)
	}
	if c.Session.Mode == ModeBacktest {
		start, end, err := c.Session.Bounds()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if !end.After(start) {
			return fmt.Errorf("%w: backtest_end must be after backtest_start", ErrInvalid)
		}
	} else {
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("%w: %s mode requires alpaca credentials", ErrInvalid, c.Session.Mode)
		}
	}
	as, _ := time.Parse("15:04", c.Session.ActiveStart)
	ae, _ := time.Parse("15:04", c.Session.ActiveEnd)
	if !as.Before(ae) {
		return fmt.Errorf("%w: session.active_start must be before active_end", ErrInvalid)
	}
	if c.Screener.Kind == ScreenerStatic && len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("%w: trading.symbols is empty", ErrInvalid)
	}
	if c.Screener.Kind == ScreenerActivity && len(c.Screener.Universe) == 0 && len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("%w: activity screener needs screener.universe or trading.symbols", ErrInvalid)
	}
	return nil
}
