/*
config.go - Process configuration

PURPOSE:
  Loads settings from defaults, an optional configs/config.yaml, a .env
  file and the environment, in increasing order of precedence.

ENVIRONMENT:
  Keys map to upper-case names with dots replaced by underscores:
    clinic.tenant      -> CLINIC_TENANT
    store.driver       -> STORE_DRIVER
    cache.redis_addr   -> CACHE_REDIS_ADDR
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port               int      `mapstructure:"port"`
		CorsAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	} `mapstructure:"server"`

	Clinic struct {
		Tenant         string `mapstructure:"tenant"`
		Timezone       string `mapstructure:"timezone"`
		CurrencyPrefix string `mapstructure:"currency_prefix"`
		Locale         string `mapstructure:"locale"`
		Name           string `mapstructure:"name"`
	} `mapstructure:"clinic"`

	Commission struct {
		Rates map[string]float64 `mapstructure:"rates"`
	} `mapstructure:"commission"`

	Store struct {
		Driver           string        `mapstructure:"driver"`
		SQLitePath       string        `mapstructure:"sqlite_path"`
		FirestoreProject string        `mapstructure:"firestore_project"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
		SaveTimeout      time.Duration `mapstructure:"save_timeout"`
	} `mapstructure:"store"`

	Cache struct {
		Driver    string        `mapstructure:"driver"`
		Path      string        `mapstructure:"path"`
		RedisAddr string        `mapstructure:"redis_addr"`
		RedisPass string        `mapstructure:"redis_password"`
		MaxAge    time.Duration `mapstructure:"max_age"`
	} `mapstructure:"cache"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		Output string `mapstructure:"output"`
	} `mapstructure:"log"`

	Scheduler struct {
		Enabled  bool   `mapstructure:"enabled"`
		CuadreAt string `mapstructure:"cuadre_at"`
	} `mapstructure:"scheduler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("clinic.tenant", "clinica-smith")
	v.SetDefault("clinic.timezone", "America/Santo_Domingo")
	v.SetDefault("clinic.currency_prefix", "RD$ ")
	v.SetDefault("clinic.locale", "es-DO")
	v.SetDefault("clinic.name", "Clínica Dental")
	v.SetDefault("commission.rates", map[string]float64{"regular": 60, "specialist": 50, "employee": 0})
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "clinic.db")
	v.SetDefault("store.poll_interval", 5*time.Second)
	v.SetDefault("store.save_timeout", 15*time.Second)
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.path", ".cache")
	v.SetDefault("cache.max_age", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cuadre_at", "23:55")
}

// Load reads configuration. path may be empty to use configs/config.yaml.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if path == "" {
		path = "configs/config.yaml"
	}
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("path", path).Msg("no config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "firestore":
	default:
		return fmt.Errorf("store.driver %q: must be memory, sqlite or firestore", c.Store.Driver)
	}
	if c.Store.Driver == "firestore" && c.Store.FirestoreProject == "" {
		return fmt.Errorf("store.firestore_project is required for the firestore driver")
	}
	switch c.Cache.Driver {
	case "none", "file", "redis":
	default:
		return fmt.Errorf("cache.driver %q: must be none, file or redis", c.Cache.Driver)
	}
	if strings.TrimSpace(c.Clinic.Tenant) == "" {
		return fmt.Errorf("clinic.tenant is required")
	}
	if _, err := time.Parse("15:04", c.Scheduler.CuadreAt); err != nil {
		return fmt.Errorf("scheduler.cuadre_at %q: want HH:MM", c.Scheduler.CuadreAt)
	}
	return nil
}
