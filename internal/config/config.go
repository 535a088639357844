// Package config loads the marky command configuration: a TOML file,
// then environment overrides (a .env file in the working directory is
// read first when present; a malformed one is an error).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/backends/elasticsearch"
	"github.com/remiges-tech/markov/backends/memory"
	"github.com/remiges-tech/markov/backends/postgres"
	"github.com/remiges-tech/markov/backends/redis"
	"github.com/remiges-tech/markov/backends/sqlite"
	"github.com/remiges-tech/markov/chain"
)

// Config is the marky configuration file.
type Config struct {
	Backend       string              `toml:"backend"`
	LogLevel      string              `toml:"log_level"`
	Chain         ChainConfig         `toml:"chain"`
	Cache         CacheConfig         `toml:"cache"`
	SQLite        SQLiteConfig        `toml:"sqlite"`
	Postgres      PostgresConfig      `toml:"postgres"`
	Redis         RedisConfig         `toml:"redis"`
	Elasticsearch ElasticsearchConfig `toml:"elasticsearch"`
}

// ChainConfig holds the generator settings.
type ChainConfig struct {
	LookSize     int    `toml:"look_size"`
	Selector     string `toml:"selector"`
	WeightFactor int    `toml:"weight_factor"`
	Scorer       string `toml:"scorer"`
	Decrement    uint64 `toml:"decrement"`
	SeedPolicy   string `toml:"seed_policy"`
	Grow         string `toml:"grow"`
}

// CacheConfig holds the write-back cache settings.
type CacheConfig struct {
	Enabled        bool `toml:"enabled"`
	Size           int  `toml:"size"`
	FlushThreshold int  `toml:"flush_threshold"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	Namespace string `toml:"namespace"`
}

type ElasticsearchConfig struct {
	URLs     []string `toml:"urls"`
	Index    string   `toml:"index"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	APIKey   string   `toml:"api_key"`
}

// Default returns the configuration used when no file is given: an SQLite
// database in the working directory.
func Default() *Config {
	options := markov.DefaultOptions()
	return &Config{
		Backend:  "sqlite",
		LogLevel: "info",
		Chain: ChainConfig{
			LookSize:     options.LookSize,
			Selector:     "weighted",
			WeightFactor: int(options.WeightFactor),
			Scorer:       "none",
			SeedPolicy:   "reject",
			Grow:         "forward",
		},
		Cache: CacheConfig{
			Enabled:        true,
			Size:           options.CacheSize,
			FlushThreshold: options.FlushThreshold,
		},
		SQLite:        SQLiteConfig{Path: "marky.db"},
		Redis:         RedisConfig{Addr: "localhost:6379", Namespace: "markov"},
		Elasticsearch: ElasticsearchConfig{URLs: []string{"http://localhost:9200"}, Index: "markov"},
	}
}

// Load returns the defaults, overlaid with the TOML file at path (when path
// is not empty) and then with MARKY_* environment variables.
func Load(path string, l *log.Logger) (*Config, error) {
	c := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w: %w", path, chain.ErrConfiguration, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 && l != nil {
			l.Warn("ignoring unknown config keys", "file", path, "keys", undecoded)
		}
	}

	if err := loadEnv(); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadEnv reads the named dotenv files, .env by default, into the
// environment. Missing files are skipped.
func loadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		err := godotenv.Load(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w: %w", file, chain.ErrConfiguration, err)
		}
	}
	return nil
}

// applyEnv overrides fields from MARKY_* variables.
func (c *Config) applyEnv() error {
	setString(&c.Backend, "MARKY_BACKEND")
	setString(&c.LogLevel, "MARKY_LOG_LEVEL")
	setString(&c.SQLite.Path, "MARKY_SQLITE_PATH")
	setString(&c.Postgres.DSN, "MARKY_POSTGRES_DSN")
	setString(&c.Redis.Addr, "MARKY_REDIS_ADDR")
	setString(&c.Redis.Password, "MARKY_REDIS_PASSWORD")
	setString(&c.Chain.Selector, "MARKY_SELECTOR")
	setString(&c.Chain.Scorer, "MARKY_SCORER")
	setString(&c.Chain.Grow, "MARKY_GROW")

	if raw := strings.TrimSpace(os.Getenv("MARKY_ELASTICSEARCH_URL")); raw != "" {
		c.Elasticsearch.URLs = strings.Split(raw, ",")
	}
	if err := setInt(&c.Chain.LookSize, "MARKY_LOOK_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Chain.WeightFactor, "MARKY_WEIGHT_FACTOR"); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("MARKY_DECREMENT")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("MARKY_DECREMENT: %w: %w", chain.ErrConfiguration, err)
		}
		c.Chain.Decrement = n
	}
	if raw := strings.TrimSpace(os.Getenv("MARKY_CACHE")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("MARKY_CACHE: %w: %w", chain.ErrConfiguration, err)
		}
		c.Cache.Enabled = enabled
	}
	return nil
}

// Options converts the chain and cache sections into generator options.
func (c *Config) Options() (markov.Options, error) {
	options := markov.DefaultOptions()
	options.LookSize = c.Chain.LookSize
	options.Decrement = c.Chain.Decrement
	options.Cache = c.Cache.Enabled && c.Backend != "memory"
	options.CacheSize = c.Cache.Size
	options.FlushThreshold = c.Cache.FlushThreshold

	if c.Chain.WeightFactor < 0 || c.Chain.WeightFactor > 255 {
		return options, fmt.Errorf("weight_factor %d outside 0-255: %w", c.Chain.WeightFactor, chain.ErrConfiguration)
	}
	options.WeightFactor = uint8(c.Chain.WeightFactor)

	var err error
	if options.Selector, err = markov.ParseSelectorKind(c.Chain.Selector); err != nil {
		return options, err
	}
	if options.Scorer, err = markov.ParseScorerKind(c.Chain.Scorer); err != nil {
		return options, err
	}
	if options.Grow, err = markov.ParseGrowDirection(c.Chain.Grow); err != nil {
		return options, err
	}

	switch strings.ToLower(c.Chain.SeedPolicy) {
	case "", "reject":
		options.SeedPolicy = markov.SeedReject
	case "expand":
		options.SeedPolicy = markov.SeedExpand
	default:
		return options, fmt.Errorf("unknown seed_policy %q: %w", c.Chain.SeedPolicy, chain.ErrConfiguration)
	}
	return options, nil
}

// BackendConfig returns the config struct of the selected backend, ready for
// markov.Open.
func (c *Config) BackendConfig(l *log.Logger) (interface{}, error) {
	switch strings.ToLower(c.Backend) {
	case "memory":
		return memory.Config{}, nil
	case "sqlite":
		return sqlite.Config{Path: c.SQLite.Path, Logger: l}, nil
	case "postgres":
		return postgres.Config{DSN: c.Postgres.DSN, Logger: l}, nil
	case "redis":
		return redis.Config{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Namespace: c.Redis.Namespace,
			Logger:    l,
		}, nil
	case "elasticsearch":
		return elasticsearch.Config{
			URLs:     c.Elasticsearch.URLs,
			Index:    c.Elasticsearch.Index,
			Username: c.Elasticsearch.Username,
			Password: c.Elasticsearch.Password,
			APIKey:   c.Elasticsearch.APIKey,
			Logger:   l,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", markov.ErrBackendNotFound, c.Backend)
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", name, chain.ErrConfiguration, err)
	}
	*dst = n
	return nil
}
