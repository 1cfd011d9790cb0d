package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/altmap/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config is the full application configuration
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Binance   BinanceConfig   `yaml:"binance"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Filters   FilterConfig    `yaml:"filters"`
	Momentum  MomentumConfig  `yaml:"momentum"`
	Policy    PolicyConfig    `yaml:"policy"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Report    ReportConfig    `yaml:"report"`
	Storage   StorageConfig   `yaml:"storage"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api"`
	UI        UIConfig        `yaml:"ui"`
	Precision PrecisionConfig `yaml:"precision"`
}

// LoggingConfig controls the global zap logger
type LoggingConfig struct {
	Level           string `yaml:"level"`
	File            string `yaml:"file"`
	JSONFile        string `yaml:"json_file"`
	Console         bool   `yaml:"console"`
	TruncateOnStart bool   `yaml:"truncate_on_start"`
}

// BinanceConfig holds the market data connection settings
type BinanceConfig struct {
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	Testnet    bool          `yaml:"testnet"`
	Attempts   int           `yaml:"attempts"`
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ScannerConfig describes the symbol blocks and the scan loop
type ScannerConfig struct {
	Blocks           map[string][]string `yaml:"blocks"`
	Order            []string            `yaml:"order"`
	BlockPause       time.Duration       `yaml:"block_pause"`
	Concurrency      int                 `yaml:"concurrency"`
	CandleLimit      int                 `yaml:"candle_limit"`
	AdvisorTimeout   time.Duration       `yaml:"advisor_timeout"`
	Enforce4HClose   bool                `yaml:"enforce_4h_close"`
	ScanLogCap       int                 `yaml:"scan_log_cap"`
	KeepSnapshots    bool                `yaml:"keep_snapshots"`
	CooldownHours    float64             `yaml:"cooldown_hours"`
	SRWindow         int                 `yaml:"sr_window"`
	SRTolerance      float64             `yaml:"sr_tolerance_atr"`
	MomentumLookback int                 `yaml:"momentum_lookback"`
	SlopeWindow      int                 `yaml:"slope_window"`
}

// FilterConfig holds every filter threshold. It is built once and never mutated.
type FilterConfig struct {
	UseSoft4H      bool    `yaml:"use_soft_4h"`
	DebounceBars   int     `yaml:"debounce_1h_bars"`
	MultiTFConfirm bool    `yaml:"multi_tf_confirm"`
	TFConfirmMain  string  `yaml:"tf_confirm_main"`
	TFConfirmSlope float64 `yaml:"tf_confirm_threshold"`

	EnableRSIRegime  bool   `yaml:"enable_rsi_regime"`
	EnableAntiFOMO   bool   `yaml:"enable_anti_fomo"`
	EnableExhaustion bool   `yaml:"enable_exhaustion_cooldown"`
	EnableSFP        bool   `yaml:"enable_sfp"`
	EnableDebounce   bool   `yaml:"enable_debounce"`
	EnableShortBias  bool   `yaml:"enable_short_bias"`
	EnableLiquidity  bool   `yaml:"enable_liquidity_floor"`
	BreakoutRetest   string `yaml:"enable_breakout_retest"`

	SlopeStrong      float64 `yaml:"slope_strong_threshold"`
	RetestMaxCandles int     `yaml:"retest_max_candles"`
	BreakoutZoneATR  float64 `yaml:"breakout_zone_atr"`
	AntiFOMODistATR  float64 `yaml:"anti_fomo_dist_atr"`
	RSIOverheat      float64 `yaml:"rsi_overheat"`
	RSIDistanceATR   float64 `yaml:"rsi_distance_atr"`
	ExhaustionATR    float64 `yaml:"exhaustion_atr_spike"`
	ExhaustionVolume float64 `yaml:"exhaustion_vol_spike"`
	SFPLookback      int     `yaml:"sfp_lookback"`
	VolumeFloor      float64 `yaml:"volume_spike_floor"`

	ShortBiasWindow   int     `yaml:"short_bias_window"`
	ShortBiasBelowPct float64 `yaml:"short_bias_below_pct"`
}

// SlowTimeframe is the timeframe the 1H MA20 slope is confirmed against.
func (f FilterConfig) SlowTimeframe() string {
	if f.TFConfirmMain == "" {
		return "4H"
	}
	return strings.ToUpper(f.TFConfirmMain)
}

// Thresholds are the momentum trigger levels of one symbol group
type Thresholds struct {
	PctChange1H      float64 `yaml:"pct_change_1h"`
	ATRSpikeRatio    float64 `yaml:"atr_spike_ratio"`
	VolumeSpikeRatio float64 `yaml:"volume_spike_ratio"`
	BBWidthRatio     float64 `yaml:"bb_width_ratio"`
}

// MomentumGroup assigns thresholds to a set of base assets
type MomentumGroup struct {
	Name       string     `yaml:"name"`
	Symbols    []string   `yaml:"symbols"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// MomentumConfig holds per-group momentum thresholds
type MomentumConfig struct {
	Defaults Thresholds      `yaml:"defaults"`
	Groups   []MomentumGroup `yaml:"groups"`
}

// For returns the thresholds of the group the pair's base asset belongs to.
func (m MomentumConfig) For(pair string) Thresholds {
	base := BaseAsset(pair)
	for _, g := range m.Groups {
		for _, s := range g.Symbols {
			if strings.EqualFold(s, base) {
				return g.Thresholds
			}
		}
	}
	return m.Defaults
}

// RegimeStep requires at least MinRR while ATR% of price is below Below
type RegimeStep struct {
	Below float64 `yaml:"below"`
	MinRR float64 `yaml:"min_rr"`
}

// PolicyConfig holds the trade validation policy
type PolicyConfig struct {
	MinRR             float64            `yaml:"min_rr"`
	StrategyMinRR     map[string]float64 `yaml:"strategy_min_rr"`
	UseATRRegime      bool               `yaml:"use_atr_regime"`
	ATRRegime         []RegimeStep       `yaml:"atr_regime"`
	RegimeFallbackRR  float64            `yaml:"regime_fallback_rr"`
	MaxEntryDeviation float64            `yaml:"max_entry_deviation"`
	MaxEntrySpread    float64            `yaml:"max_entry_spread"`
	Repair            bool               `yaml:"repair"`
	StopATR           float64            `yaml:"stop_atr"`
	StopFallbackATR   float64            `yaml:"stop_fallback_atr"`
	Entry2ATR         float64            `yaml:"entry2_atr"`
	TPMinStepATR      float64            `yaml:"tp_min_step_atr"`
	TPATRSteps        []float64          `yaml:"tp_atr_steps"`
	MaxTakeProfits    int                `yaml:"max_take_profits"`
}

// TrackerConfig controls the position tracker
type TrackerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	OpenCap      int           `yaml:"open_cap"`
	CandleLimit  int           `yaml:"candle_limit"`
}

// AdvisorConfig points at an OpenAI compatible chat completions endpoint
type AdvisorConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// TelegramConfig holds the messaging transport settings
type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"token"`
	ChatID       string        `yaml:"chat_id"`
	FallbackChat string        `yaml:"fallback_chat_id"`
	MirrorChats  []string      `yaml:"mirror_chat_ids"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	Attempts     int           `yaml:"attempts"`
}

// ReportConfig controls the daily PnL report window (UTC)
type ReportConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Hour         int           `yaml:"hour"`
	WindowLength time.Duration `yaml:"window"`
	Lookback     time.Duration `yaml:"lookback"`
	TopPairs     int           `yaml:"top_pairs"`
	PnLCap       int           `yaml:"pnl_cap"`
}

// StorageConfig selects the state store backend
type StorageConfig struct {
	Type     string `yaml:"type"` // file | redis | memory
	Dir      string `yaml:"dir"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// JournalConfig holds the InfluxDB event journal settings
type JournalConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// APIConfig holds the read-only status API settings
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// UIConfig holds the terminal dashboard settings
type UIConfig struct {
	RefreshRate int    `yaml:"refresh_rate_ms"`
	LogFile     string `yaml:"log_file"`
	LogLines    int    `yaml:"log_lines"`
}

// PrecisionGroup gives the assets that share a number of decimals
type PrecisionGroup struct {
	Decimals int      `yaml:"decimals"`
	Symbols  []string `yaml:"symbols"`
}

// PrecisionConfig is the per-asset decimal table used by message formatting
type PrecisionConfig struct {
	Default int              `yaml:"default"`
	Groups  []PrecisionGroup `yaml:"groups"`
}

// Decimals returns the number of decimals for the pair's base asset.
func (p PrecisionConfig) Decimals(pair string) int {
	base := BaseAsset(pair)
	for _, g := range p.Groups {
		for _, s := range g.Symbols {
			if strings.EqualFold(s, base) {
				return g.Decimals
			}
		}
	}
	return p.Default
}

// BaseAsset returns "BTC" for "BTC/USDT".
func BaseAsset(pair string) string {
	base, _, _ := strings.Cut(pair, "/")
	return strings.ToUpper(strings.TrimSpace(base))
}

// DefaultFilters returns the stock filter thresholds.
func DefaultFilters() FilterConfig {
	return FilterConfig{
		UseSoft4H:         true,
		DebounceBars:      2,
		MultiTFConfirm:    true,
		TFConfirmMain:     "4H",
		TFConfirmSlope:    0.2,
		EnableRSIRegime:   true,
		EnableAntiFOMO:    true,
		EnableExhaustion:  true,
		EnableSFP:         true,
		EnableDebounce:    true,
		EnableShortBias:   true,
		EnableLiquidity:   true,
		BreakoutRetest:    "auto",
		SlopeStrong:       0.5,
		RetestMaxCandles:  3,
		BreakoutZoneATR:   0.25,
		AntiFOMODistATR:   1.5,
		RSIOverheat:       75,
		RSIDistanceATR:    1.2,
		ExhaustionATR:     1.8,
		ExhaustionVolume:  1.8,
		SFPLookback:       20,
		VolumeFloor:       0.8,
		ShortBiasWindow:   60,
		ShortBiasBelowPct: 0.70,
	}
}

// DefaultMomentum returns the stock momentum groups.
func DefaultMomentum() MomentumConfig {
	return MomentumConfig{
		Defaults: Thresholds{PctChange1H: 2.0, ATRSpikeRatio: 1.5, VolumeSpikeRatio: 1.5, BBWidthRatio: 1.4},
		Groups: []MomentumGroup{
			{Name: "majors", Symbols: []string{"BTC", "ETH", "BNB", "SOL"},
				Thresholds: Thresholds{PctChange1H: 1.0, ATRSpikeRatio: 1.3, VolumeSpikeRatio: 1.4, BBWidthRatio: 1.3}},
			{Name: "large_cap_alts", Symbols: []string{"LINK", "AVAX", "NEAR"},
				Thresholds: Thresholds{PctChange1H: 1.5, ATRSpikeRatio: 1.4, VolumeSpikeRatio: 1.5, BBWidthRatio: 1.35}},
			{Name: "mid_cap_alts", Symbols: []string{"ARB", "SUI", "PENDLE"},
				Thresholds: Thresholds{PctChange1H: 2.0, ATRSpikeRatio: 1.5, VolumeSpikeRatio: 1.6, BBWidthRatio: 1.4}},
		},
	}
}

// DefaultPolicy returns the stock validation policy.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		MinRR: 1.2,
		StrategyMinRR: map[string]float64{
			"trend-follow":          1.8,
			"breakout anticipation": 1.6,
			"trap setup":            1.6,
			"technical bounce":      1.5,
		},
		UseATRRegime: false,
		ATRRegime: []RegimeStep{
			{Below: 0.7, MinRR: 1.3},
			{Below: 1.5, MinRR: 1.5},
			{Below: 999, MinRR: 1.8},
		},
		RegimeFallbackRR:  1.4,
		MaxEntryDeviation: 0.10,
		MaxEntrySpread:    0.05,
		Repair:            true,
		StopATR:           1.5,
		StopFallbackATR:   0.5,
		Entry2ATR:         0.5,
		TPMinStepATR:      0.5,
		TPATRSteps:        []float64{1.0, 1.5, 2.0, 3.0, 4.0},
		MaxTakeProfits:    5,
	}
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", File: "app.log", JSONFile: "app.json.log", Console: true},
		Binance: BinanceConfig{Attempts: 3, BackoffMin: 500 * time.Millisecond, BackoffMax: 5 * time.Second, Timeout: 15 * time.Second},
		Scanner: ScannerConfig{
			Blocks: map[string][]string{
				"block1": {"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT"},
				"block2": {"LINK/USDT", "AVAX/USDT", "NEAR/USDT"},
				"block3": {"ARB/USDT", "SUI/USDT", "PENDLE/USDT"},
			},
			Order:            []string{"block1", "block2", "block3"},
			BlockPause:       60 * time.Second,
			Concurrency:      4,
			CandleLimit:      200,
			AdvisorTimeout:   30 * time.Second,
			ScanLogCap:       20,
			KeepSnapshots:    true,
			CooldownHours:    3,
			SRWindow:         20,
			SRTolerance:      0.6,
			MomentumLookback: 20,
			SlopeWindow:      5,
		},
		Filters:  DefaultFilters(),
		Momentum: DefaultMomentum(),
		Policy:   DefaultPolicy(),
		Tracker:  TrackerConfig{PollInterval: 30 * time.Minute, EntryTimeout: 12 * time.Hour, OpenCap: 50, CandleLimit: 100},
		Advisor: AdvisorConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Timeout:     30 * time.Second,
			Temperature: 0.2,
			MaxTokens:   800,
		},
		Telegram: TelegramConfig{BaseURL: "https://api.telegram.org", Timeout: 10 * time.Second, Attempts: 3},
		Report:   ReportConfig{Enabled: true, Hour: 12, WindowLength: 5 * time.Minute, Lookback: 24 * time.Hour, TopPairs: 10, PnLCap: 1000},
		Storage:  StorageConfig{Type: "file", Dir: "state", Prefix: "altmap:"},
		Journal:  JournalConfig{Bucket: "altmap"},
		API:      APIConfig{Addr: ":8080"},
		UI:       UIConfig{RefreshRate: 1000, LogFile: "app.json.log", LogLines: 50},
		Precision: PrecisionConfig{
			Default: 4,
			Groups: []PrecisionGroup{
				{Decimals: 2, Symbols: []string{"BTC", "ETH", "BNB", "SOL"}},
				{Decimals: 3, Symbols: []string{"LINK", "AVAX", "NEAR"}},
			},
		},
	}
}

// Load reads the YAML file over the defaults, then applies .env and environment overrides.
// A missing file is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			blocks := cfg.Scanner.Blocks
			cfg.Scanner.Blocks = nil
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if cfg.Scanner.Blocks == nil {
				cfg.Scanner.Blocks = blocks
			}
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("Config file not found, using defaults", zap.String("path", path))
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to load .env", zap.Error(err))
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Config loaded", zap.String("path", path), zap.Strings("blocks", cfg.Scanner.Order))
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	setString(&cfg.Telegram.ChatID, "BOT_CHANNEL_ID")
	setString(&cfg.Telegram.FallbackChat, "FALLBACK_CHANNEL_ID")
	setString(&cfg.Advisor.APIKey, "GPT_API")
	setString(&cfg.Advisor.BaseURL, "GPT_BASE_URL")
	setString(&cfg.Advisor.Model, "GPT_MODEL")
	setString(&cfg.Binance.APIKey, "BINANCE_API_KEY")
	setString(&cfg.Binance.APISecret, "BINANCE_API_SECRET")
	setString(&cfg.Storage.Addr, "REDIS_ADDR")
	setString(&cfg.Storage.Password, "REDIS_PASSWORD")
	setString(&cfg.Journal.Token, "INFLUX_TOKEN")
	setString(&cfg.Journal.URL, "INFLUX_URL")

	if v, ok := os.LookupEnv("BLOCK_SLEEP"); ok {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			cfg.Scanner.BlockPause = time.Duration(secs) * time.Second
		}
	}
	if v, ok := os.LookupEnv("ENFORCE_4H_CLOSE"); ok {
		cfg.Scanner.Enforce4HClose = strings.TrimSpace(v) == "1"
	}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		cfg.Telegram.Enabled = true
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Scanner.Blocks) == 0 {
		return errors.New("config: no symbol blocks configured")
	}
	for _, name := range c.Scanner.Order {
		if _, ok := c.Scanner.Blocks[name]; !ok {
			return fmt.Errorf("config: block %q in order is not defined", name)
		}
	}
	if c.Scanner.CandleLimit < 60 {
		return fmt.Errorf("config: candle_limit %d is too small, need at least 60", c.Scanner.CandleLimit)
	}
	if c.Policy.MinRR <= 0 {
		return errors.New("config: policy.min_rr must be positive")
	}
	if c.Tracker.OpenCap <= 0 || c.Scanner.ScanLogCap <= 0 {
		return errors.New("config: retention caps must be positive")
	}
	switch c.Filters.BreakoutRetest {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("config: enable_breakout_retest must be auto, on or off, got %q", c.Filters.BreakoutRetest)
	}
	switch c.Storage.Type {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// BlockNames returns the blocks in run order.
func (c *Config) BlockNames() []string {
	if len(c.Scanner.Order) > 0 {
		return c.Scanner.Order
	}
	names := make([]string, 0, len(c.Scanner.Blocks))
	for name := range c.Scanner.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
