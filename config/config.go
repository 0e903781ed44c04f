// Package config loads server settings from an optional file and the
// environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		// BaseURL is the public url of the server. Empty means derive it
		// from each request.
		BaseURL string `mapstructure:"baseURL"`
	} `mapstructure:"server"`
	Storage struct {
		DBPath  string `mapstructure:"dbPath"`
		DataDir string `mapstructure:"dataDir"`
	} `mapstructure:"storage"`
	Upstream struct {
		APIURL  string        `mapstructure:"apiURL"`
		Retries int           `mapstructure:"retries"`
		Timeout time.Duration `mapstructure:"timeout"`
		// WriteBack stores tiles fetched upstream.
		WriteBack bool `mapstructure:"writeBack"`
	} `mapstructure:"upstream"`
	Import struct {
		InitialTimeout  time.Duration `mapstructure:"initialTimeout"`
		ProgressTimeout time.Duration `mapstructure:"progressTimeout"`
		BatchSize       int           `mapstructure:"batchSize"`
		// Isolation is "goroutine" or "process".
		Isolation string `mapstructure:"isolation"`
	} `mapstructure:"import"`
	Cache struct {
		MaxCost int64 `mapstructure:"maxCost"`
	} `mapstructure:"cache"`
	Log struct {
		Level    string `mapstructure:"level"`
		Dir      string `mapstructure:"dir"`
		Terminal bool   `mapstructure:"terminal"`
	} `mapstructure:"log"`
}

const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.baseURL", "")
	v.SetDefault("storage.dbPath", "data/offlinemap.db")
	v.SetDefault("storage.dataDir", "data")
	v.SetDefault("upstream.apiURL", "https://api.mapbox.com")
	v.SetDefault("upstream.retries", 2)
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.writeBack", true)
	v.SetDefault("import.initialTimeout", 30*time.Second)
	v.SetDefault("import.progressTimeout", 10*time.Second)
	v.SetDefault("import.batchSize", 500)
	v.SetDefault("import.isolation", IsolationGoroutine)
	v.SetDefault("cache.maxCost", 1<<16)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.terminal", true)
}

// Load reads path when given, then OFFLINEMAP_* environment variables
// (OFFLINEMAP_STORAGE_DBPATH overrides storage.dbPath).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("offlinemap")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	switch conf.Import.Isolation {
	case IsolationGoroutine, IsolationProcess:
	default:
		return nil, fmt.Errorf("import.isolation %q: want %s or %s", conf.Import.Isolation, IsolationGoroutine, IsolationProcess)
	}
	return &conf, nil
}

// FontsDir holds the bundled glyphs.
func (c *Config) FontsDir() string {
	return filepath.Join(c.Storage.DataDir, "fonts")
}

// StylesDir holds per-style sprites and fonts.
func (c *Config) StylesDir() string {
	return filepath.Join(c.Storage.DataDir, "styles")
}
