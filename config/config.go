package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	errs "pricewatch/monitor/pkg/errors"
)

// Category describes one monitored listing: where to crawl and which
// products are worth reporting.
type Category struct {
	Name               string  `mapstructure:"name"`
	URL                string  `mapstructure:"url"`
	MinDiscount        float64 `mapstructure:"min_discount"`
	MaxPages           int     `mapstructure:"max_pages"`
	MaxProductsPerPage int     `mapstructure:"max_products_per_page"`
	StateFile          string  `mapstructure:"state_file"`
}

// Config represents the application configuration
type Config struct {
	// Notification configuration
	WebhookURL string

	// Redis stream sink configuration
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamCount     int
	RedisStreamMaxLength int

	// Memcache configuration
	MemcacheAddr string

	// Paths
	StateDir  string
	CSVFile   string
	DebugDir  string
	GlobalOut string

	// Run mode
	ForceRefresh bool
	Environment  string

	// Scheduling
	CycleIntervalMin time.Duration
	CycleIntervalMax time.Duration

	// Filtering
	ExcludedKeywords []string

	// Categories, loaded from categories.yaml
	Categories []Category
}

// categoriesFile mirrors the categories.yaml layout
type categoriesFile struct {
	Categories       []Category `mapstructure:"categories"`
	ExcludedKeywords []string   `mapstructure:"excluded_keywords"`
}

// LoadConfig loads configuration from environment variables with
// defaults, plus the category table from categories.yaml
func LoadConfig() (*Config, error) {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamCount, _ := strconv.Atoi(getEnv("REDIS_STREAM_COUNT", "1"))
	streamMaxLen, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAXLEN", "500"))
	intervalMin, _ := strconv.Atoi(getEnv("CYCLE_INTERVAL_MIN_SECONDS", "6900"))
	intervalMax, _ := strconv.Atoi(getEnv("CYCLE_INTERVAL_MAX_SECONDS", "7500"))

	cfg := &Config{
		WebhookURL:           os.Getenv("WEBHOOK_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              redisDB,
		RedisStream:          getEnv("REDIS_STREAM", "pricewatch"),
		RedisStreamCount:     streamCount,
		RedisStreamMaxLength: streamMaxLen,
		MemcacheAddr:         getEnv("MEMCACHE_ADDR", "localhost:11211"),
		StateDir:             getEnv("STATE_DIR", "state"),
		CSVFile:              getEnv("CSV_FILE", "pricewatch.csv"),
		DebugDir:             getEnv("DEBUG_DIR", "logs"),
		ForceRefresh:         getEnv("FORCE_REFRESH", "false") == "true",
		Environment:          getEnv("MONITOR_ENVIRONMENT", "development"),
		CycleIntervalMin:     time.Duration(intervalMin) * time.Second,
		CycleIntervalMax:     time.Duration(intervalMax) * time.Second,
	}
	cfg.GlobalOut = cfg.StateDir + string(os.PathSeparator) + "global_state.json"

	if err := cfg.loadCategories(getEnv("CATEGORIES_FILE", "categories")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCategories reads the category table via viper, allowing env
// overrides on nested keys
func (c *Config) loadCategories(name string) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return errs.NewConfiguration("failed to read categories file", err)
	}

	var f categoriesFile
	if err := v.Unmarshal(&f); err != nil {
		return errs.NewConfiguration("unable to decode categories file", err)
	}

	for i := range f.Categories {
		cat := &f.Categories[i]
		if cat.MaxPages == 0 {
			cat.MaxPages = 1
		}
		if cat.MaxProductsPerPage == 0 {
			cat.MaxProductsPerPage = 200
		}
		if cat.StateFile == "" {
			cat.StateFile = c.StateDir + string(os.PathSeparator) + slug(cat.Name) + "_state.json"
		}
	}
	c.Categories = f.Categories
	c.ExcludedKeywords = f.ExcludedKeywords
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errs.NewConfiguration("no categories configured", nil)
	}
	for _, cat := range c.Categories {
		if cat.Name == "" || cat.URL == "" {
			return errs.NewConfiguration("category missing name or url", nil)
		}
	}
	if c.CycleIntervalMin > c.CycleIntervalMax {
		return errs.NewConfiguration("cycle interval min exceeds max", nil)
	}
	return nil
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
