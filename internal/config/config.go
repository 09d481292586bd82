package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Manifold  ManifoldConfig  `toml:"manifold"`
	Metaculus MetaculusConfig `toml:"metaculus"`
	Kalshi    KalshiConfig    `toml:"kalshi"`
}

type GeneralConfig struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
}

type ScheduleConfig struct {
	SyncInterval       Duration `toml:"sync_interval"`
	ManagramInterval   Duration `toml:"managram_interval"`
	AutoMirrorInterval Duration `toml:"auto_mirror_interval"`
	ReconcileInterval  Duration `toml:"reconcile_interval"`
}

type ManifoldConfig struct {
	APIURL  string `toml:"api_url"`
	SiteURL string `toml:"site_url"`
	// APIKey is taken from MB_MANIFOLD_API_KEY when unset in the file.
	APIKey    string          `toml:"api_key"`
	UserID    string          `toml:"user_id"`
	Template  TemplateConfig  `toml:"template"`
	Managrams ManagramsConfig `toml:"managrams"`
}

// TemplateConfig controls how mirror titles and descriptions are assembled.
type TemplateConfig struct {
	DescriptionFooter string `toml:"description_footer"`
	// TitleRetainEndChars is how many trailing characters survive title
	// truncation after the "..." marker.
	TitleRetainEndChars  int `toml:"title_retain_end_characters"`
	MaxTitleLength       int `toml:"max_title_length"`
	MaxDescriptionLength int `toml:"max_description_length"`
}

type ManagramsConfig struct {
	// MinAmount is the smallest managram the platform allows; also the
	// amount sent back on a Minimum-policy response.
	MinAmount float64 `toml:"min_amount"`
	// MirrorCost and ResolveCost are charged on top of MinAmount.
	MirrorCost  float64 `toml:"mirror_cost"`
	ResolveCost float64 `toml:"resolve_cost"`
}

type MetaculusConfig struct {
	APIURL string `toml:"api_url"`
	// APIKey is taken from MB_METACULUS_API_KEY when unset in the file.
	APIKey          string       `toml:"api_key"`
	MaxClonesPerDay int          `toml:"max_clones_per_day"`
	FetchCriteria   bool         `toml:"fetch_criteria"`
	AutoFilter      FilterConfig `toml:"auto_filter"`
	RequestFilter   FilterConfig `toml:"request_filter"`
	AddGroupIDs     []string     `toml:"add_group_ids"`
}

type KalshiConfig struct {
	APIURL          string       `toml:"api_url"`
	SiteURL         string       `toml:"site_url"`
	MaxClonesPerDay int          `toml:"max_clones_per_day"`
	AutoFilter      FilterConfig `toml:"auto_filter"`
	RequestFilter   FilterConfig `toml:"request_filter"`
	AddGroupIDs     []string     `toml:"add_group_ids"`
}

// FilterConfig is a source-agnostic eligibility filter. Numeric floors are
// expressed as a metric-name -> threshold map so each source can expose its
// own stats (votes, forecasters, volume, liquidity, ...) without a bespoke
// filter chain per platform.
type FilterConfig struct {
	RequireOpen       bool `toml:"require_open"`
	ExcludeResolved   bool `toml:"exclude_resolved"`
	ExcludeGrouped    bool `toml:"exclude_grouped"`
	RequireConfidence bool `toml:"require_visible_community_prediction"`

	MinDaysToResolution int `toml:"min_days_to_resolution"`
	MaxDaysToResolution int `toml:"max_days_to_resolution"`
	MaxAgeDays          int `toml:"max_age_days"`
	MaxLastActiveDays   int `toml:"max_last_active_days"`

	// MaxConfidence is a probability fraction in [0, 1]. A question whose
	// community forecast puts more than this much weight on YES or NO is
	// excluded. Sources quoting prices in cents divide by 100 first.
	MaxConfidence float64 `toml:"max_confidence"`

	MinMetrics map[string]float64 `toml:"min_metrics"`
	ExcludeIDs []string           `toml:"exclude_ids"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applySecrets(cfg)
	return cfg, nil
}

// applySecrets overlays API keys from the environment. Keys in the config
// file win so local override files keep working.
func applySecrets(cfg *Config) {
	if cfg.Manifold.APIKey == "" {
		cfg.Manifold.APIKey = os.Getenv("MB_MANIFOLD_API_KEY")
	}
	if cfg.Metaculus.APIKey == "" {
		cfg.Metaculus.APIKey = os.Getenv("MB_METACULUS_API_KEY")
	}
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DBPath:   "./data/mirrorbot.db",
			LogLevel: "info",
		},
		Schedule: ScheduleConfig{
			SyncInterval:       Duration{1 * time.Hour},
			ManagramInterval:   Duration{5 * time.Minute},
			AutoMirrorInterval: Duration{12 * time.Hour},
			ReconcileInterval:  Duration{6 * time.Hour},
		},
		Manifold: ManifoldConfig{
			APIURL:  "https://api.manifold.markets/v0",
			SiteURL: "https://manifold.markets",
			Template: TemplateConfig{
				TitleRetainEndChars:  20,
				MaxTitleLength:       120,
				MaxDescriptionLength: 16000,
			},
			Managrams: ManagramsConfig{
				MinAmount:   10,
				MirrorCost:  25,
				ResolveCost: 0,
			},
		},
		Metaculus: MetaculusConfig{
			APIURL:          "https://www.metaculus.com/api2",
			MaxClonesPerDay: 5,
			FetchCriteria:   true,
			AutoFilter: FilterConfig{
				RequireOpen:         true,
				ExcludeResolved:     true,
				ExcludeGrouped:      true,
				RequireConfidence:   true,
				MinDaysToResolution: 7,
				MaxDaysToResolution: 365,
				MaxAgeDays:          90,
				MaxLastActiveDays:   14,
				MaxConfidence:       0.90,
				MinMetrics: map[string]float64{
					"votes":       5,
					"forecasters": 40,
				},
			},
			RequestFilter: FilterConfig{
				RequireOpen:         true,
				ExcludeResolved:     true,
				MinDaysToResolution: 1,
				MaxDaysToResolution: 3650,
				MaxAgeDays:          3650,
				MaxLastActiveDays:   3650,
				MaxConfidence:       0.98,
			},
		},
		Kalshi: KalshiConfig{
			APIURL:          "https://trading-api.kalshi.com/v1",
			SiteURL:         "https://kalshi.com",
			MaxClonesPerDay: 5,
			AutoFilter: FilterConfig{
				RequireOpen:         true,
				ExcludeResolved:     true,
				ExcludeGrouped:      true,
				MinDaysToResolution: 7,
				MaxDaysToResolution: 365,
				MaxAgeDays:          90,
				// Kalshi reports no last-activity time; recent_volume
				// stands in for liveness instead.
				MaxConfidence: 0.90,
				MinMetrics: map[string]float64{
					"volume":        1000,
					"liquidity":     10000,
					"open_interest": 500,
				},
			},
			RequestFilter: FilterConfig{
				RequireOpen:         true,
				ExcludeResolved:     true,
				MinDaysToResolution: 1,
				MaxDaysToResolution: 3650,
				MaxAgeDays:          3650,
				MaxConfidence:       0.98,
			},
		},
	}
}
