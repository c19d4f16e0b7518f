package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        App        `mapstructure:"app"`
	Gemini     Gemini     `mapstructure:"gemini"`
	Profile    Profile    `mapstructure:"profile"`
	Curation   Curation   `mapstructure:"curation"`
	Quota      Quota      `mapstructure:"quota"`
	Enrichment Enrichment `mapstructure:"enrichment"`
	Validation Validation `mapstructure:"validation"`
	Storage    Storage    `mapstructure:"storage"`
	Dedup      Dedup      `mapstructure:"dedup"`
}

// App holds general application configuration.
type App struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// Gemini holds generative service configuration.
type Gemini struct {
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	Timeout           string  `mapstructure:"timeout"`
	MaxTokens         int32   `mapstructure:"max_tokens"`
	Temperature       float32 `mapstructure:"temperature"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
}

// Profile describes the reader the scorer personalizes for.
type Profile struct {
	City       string   `mapstructure:"city"`
	Interests  []string `mapstructure:"interests"`
	PainPoints []string `mapstructure:"pain_points"`
}

// Curation holds the scorer's keyword tables and weights. These are loaded
// once at startup and injected into the scorer; they never change mid-run.
type Curation struct {
	HighValueKeywords   []string            `mapstructure:"high_value_keywords"`
	MediumValueKeywords []string            `mapstructure:"medium_value_keywords"`
	Institutions        []string            `mapstructure:"institutions"`
	CategoryKeywords    map[string][]string `mapstructure:"category_keywords"`
	Weights             Weights             `mapstructure:"weights"`
}

// Weights are the fixed multipliers of the total-score formula.
type Weights struct {
	Relevance   float64 `mapstructure:"relevance"`
	Practical   float64 `mapstructure:"practical"`
	CategoryFit float64 `mapstructure:"category_fit"`
}

// Quota holds allocator limits and thresholds.
type Quota struct {
	DailyCap          int     `mapstructure:"daily_cap"`
	PerRunCap         int     `mapstructure:"per_run_cap"`
	PrimaryThreshold  float64 `mapstructure:"primary_threshold"`
	FallbackThreshold float64 `mapstructure:"fallback_threshold"`
	MinBatchSize      int     `mapstructure:"min_batch_size"`
	CategoryCeiling   float64 `mapstructure:"category_ceiling"`
	OverflowTTL       string  `mapstructure:"overflow_ttl"`
}

// Enrichment holds orchestrator settings.
type Enrichment struct {
	Workers     int    `mapstructure:"workers"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	BaseBackoff string `mapstructure:"base_backoff"`
	CycleBudget string `mapstructure:"cycle_budget"`
}

// Validation holds the publish-bar thresholds. MinCoverage is the single
// named home of the coverage ratio; it is an operational lever, not a constant.
type Validation struct {
	MinCoverage     float64 `mapstructure:"min_coverage"`
	TitleMaxRunes   int     `mapstructure:"title_max_runes"`
	SummaryMinWords int     `mapstructure:"summary_min_words"`
	SummaryMaxWords int     `mapstructure:"summary_max_words"`
}

// Storage holds rolling-set and backup settings.
type Storage struct {
	RollingPath     string `mapstructure:"rolling_path"`
	RollingCap      int    `mapstructure:"rolling_cap"`
	BackupDir       string `mapstructure:"backup_dir"`
	BackupRetention int    `mapstructure:"backup_retention"`
}

// Dedup holds the fingerprint retention window.
type Dedup struct {
	RetentionDays int `mapstructure:"retention_days"`
}

var globalConfig *Config

// Load loads the configuration from .env, config file, environment, and defaults.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".lexipresse")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.SetEnvPrefix("LEXIPRESSE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// Reset clears the cached global configuration. Intended for tests.
func Reset() {
	globalConfig = nil
	viper.Reset()
}

// setDefaults sets default configuration values.
func setDefaults() {
	// App defaults
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.data_dir", ".lexipresse")

	// Gemini defaults
	viper.SetDefault("gemini.model", "gemini-2.0-flash")
	viper.SetDefault("gemini.timeout", "30s")
	viper.SetDefault("gemini.max_tokens", 2048)
	viper.SetDefault("gemini.temperature", 0.4)
	viper.SetDefault("gemini.requests_per_minute", 60)

	// Profile defaults
	viper.SetDefault("profile.city", "paris")
	viper.SetDefault("profile.interests", []string{"logement", "transport", "éducation"})
	viper.SetDefault("profile.pain_points", []string{"impôts", "visa", "titre de séjour"})

	// Curation defaults (keyword vocabulary for French civic news)
	viper.SetDefault("curation.high_value_keywords", []string{
		"grève", "impôt", "impôts", "réforme", "caf", "visa", "titre de séjour",
		"loyer", "smic", "préfecture", "assurance maladie", "retraite", "allocation",
	})
	viper.SetDefault("curation.medium_value_keywords", []string{
		"gouvernement", "loi", "décret", "budget", "inflation", "salaire",
		"logement", "transport", "sécurité sociale", "mutuelle", "électricité",
	})
	viper.SetDefault("curation.institutions", []string{
		"caf", "urssaf", "pôle emploi", "france travail", "assurance maladie",
		"préfecture", "sncf", "ratp", "edf", "assemblée nationale", "sénat",
	})
	viper.SetDefault("curation.category_keywords.politics", []string{
		"politique", "élection", "gouvernement", "assemblée", "président",
		"ministre", "loi", "parlement",
	})
	viper.SetDefault("curation.category_keywords.economy", []string{
		"économie", "économique", "marché", "inflation", "budget", "impôt",
		"croissance", "entreprise",
	})
	viper.SetDefault("curation.category_keywords.society", []string{
		"société", "éducation", "logement", "immigration", "justice",
		"grève", "manifestation",
	})
	viper.SetDefault("curation.category_keywords.culture", []string{
		"culture", "cinéma", "musique", "festival", "livre", "exposition",
	})
	viper.SetDefault("curation.category_keywords.sport", []string{
		"sport", "football", "olympique", "tournoi", "match", "équipe",
	})
	viper.SetDefault("curation.category_keywords.health", []string{
		"santé", "médical", "hôpital", "vaccin", "médecin", "épidémie",
	})
	viper.SetDefault("curation.weights.relevance", 1.2)
	viper.SetDefault("curation.weights.practical", 1.0)
	viper.SetDefault("curation.weights.category_fit", 0.5)

	// Quota defaults
	viper.SetDefault("quota.daily_cap", 40)
	viper.SetDefault("quota.per_run_cap", 20)
	viper.SetDefault("quota.primary_threshold", 10.0)
	viper.SetDefault("quota.fallback_threshold", 8.0)
	viper.SetDefault("quota.min_batch_size", 3)
	viper.SetDefault("quota.category_ceiling", 0.4)
	viper.SetDefault("quota.overflow_ttl", "24h")

	// Enrichment defaults
	viper.SetDefault("enrichment.workers", 4)
	viper.SetDefault("enrichment.max_attempts", 4)
	viper.SetDefault("enrichment.base_backoff", "2s")
	viper.SetDefault("enrichment.cycle_budget", "20m")

	// Validation defaults
	viper.SetDefault("validation.min_coverage", 0.8)
	viper.SetDefault("validation.title_max_runes", 70)
	viper.SetDefault("validation.summary_min_words", 20)
	viper.SetDefault("validation.summary_max_words", 60)

	// Storage defaults
	viper.SetDefault("storage.rolling_path", "website/rolling_articles.json")
	viper.SetDefault("storage.rolling_cap", 200)
	viper.SetDefault("storage.backup_dir", "website/backups")
	viper.SetDefault("storage.backup_retention", 10)

	// Dedup defaults
	viper.SetDefault("dedup.retention_days", 14)
}

// validateConfig checks cross-field consistency.
func validateConfig(config *Config) error {
	if config.Quota.DailyCap < 0 || config.Quota.PerRunCap < 0 {
		return fmt.Errorf("quota caps must be non-negative")
	}
	if config.Quota.FallbackThreshold > config.Quota.PrimaryThreshold {
		return fmt.Errorf("fallback threshold %.1f exceeds primary threshold %.1f",
			config.Quota.FallbackThreshold, config.Quota.PrimaryThreshold)
	}
	if config.Validation.MinCoverage < 0 || config.Validation.MinCoverage > 1 {
		return fmt.Errorf("validation.min_coverage must be within [0, 1]")
	}
	if config.Quota.CategoryCeiling <= 0 || config.Quota.CategoryCeiling > 1 {
		return fmt.Errorf("quota.category_ceiling must be within (0, 1]")
	}
	if config.Enrichment.Workers < 1 {
		return fmt.Errorf("enrichment.workers must be at least 1")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"gemini.timeout", config.Gemini.Timeout},
		{"quota.overflow_ttl", config.Quota.OverflowTTL},
		{"enrichment.base_backoff", config.Enrichment.BaseBackoff},
		{"enrichment.cycle_budget", config.Enrichment.CycleBudget},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field.name, field.value)
		}
	}
	return nil
}

// GetDuration parses a duration config value, falling back to a default on error.
func GetDuration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
