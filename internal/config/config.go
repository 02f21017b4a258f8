// Package config carga la configuración del servicio: defaults, luego YAML, luego
// variables de entorno. Validate corre al final.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/trustroll/internal/security/secretbox"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env  string `yaml:"env"`
		Name string `yaml:"name"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MetricsEnabled  bool          `yaml:"metrics_enabled"`
	} `yaml:"server"`

	Storage struct {
		// memory | fs | redis | postgres
		Driver string `yaml:"driver"`
		Prefix string `yaml:"prefix"`
		Dir    string `yaml:"dir"`
		DSN    string `yaml:"dsn"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Keys struct {
		Validity           time.Duration `yaml:"validity"`
		RotationThreshold  time.Duration `yaml:"rotation_threshold"`
		OverlapWindow      time.Duration `yaml:"overlap_window"`
		RetirementGrace    time.Duration `yaml:"retirement_grace"`
		SchedulerInterval  time.Duration `yaml:"scheduler_interval"`
		OpTimeout          time.Duration `yaml:"op_timeout"`
		PersistMaxAttempts int           `yaml:"persist_max_attempts"`
		// base64(32 bytes); sella las claves privadas en reposo
		MasterKey string `yaml:"master_key"`
	} `yaml:"keys"`

	Cohort struct {
		SaltRotationInterval time.Duration `yaml:"salt_rotation_interval"`
		CacheTTL             time.Duration `yaml:"cache_ttl"`
		RecordAssignments    bool          `yaml:"record_assignments"`
	} `yaml:"cohort"`

	Flags struct {
		SeedFile string        `yaml:"seed_file"`
		SignTTL  time.Duration `yaml:"sign_ttl"`
		MaxAge   time.Duration `yaml:"max_age"`
	} `yaml:"flags"`

	Drift struct {
		BufferSize  int            `yaml:"buffer_size"`
		Window      time.Duration  `yaml:"window"`
		Interval    time.Duration  `yaml:"interval"`
		Thresholds  map[string]int `yaml:"thresholds"`
		RedisStream struct {
			Enabled bool   `yaml:"enabled"`
			Stream  string `yaml:"stream"`
			MaxLen  int64  `yaml:"max_len"`
		} `yaml:"redis_stream"`
	} `yaml:"drift"`

	Admin struct {
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"admin"`

	Rate struct {
		Enabled     bool          `yaml:"enabled"`
		Backend     string        `yaml:"backend"` // memory | redis
		MaxRequests int           `yaml:"max_requests"`
		Window      time.Duration `yaml:"window"`
	} `yaml:"rate"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default retorna la configuración con todos los defaults aplicados.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load lee el YAML en path (vacío = solo defaults + env), aplica defaults,
// overrides de entorno y valida.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// sane defaults
	c.applyDefaults()

	// Overrides por env
	c.applyEnvOverrides()

	// Rutas relativas respecto al directorio del YAML
	if path != "" {
		base := filepath.Dir(path)
		if p := strings.TrimSpace(c.Flags.SeedFile); p != "" && !filepath.IsAbs(p) {
			c.Flags.SeedFile = filepath.Clean(filepath.Join(base, p))
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Name == "" {
		c.App.Name = "trustd"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "trust"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data/trust"
	}
	if c.Keys.Validity == 0 {
		c.Keys.Validity = 90 * 24 * time.Hour
	}
	if c.Keys.RotationThreshold == 0 {
		c.Keys.RotationThreshold = 7 * 24 * time.Hour
	}
	if c.Keys.OverlapWindow == 0 {
		c.Keys.OverlapWindow = 72 * time.Hour
	}
	if c.Keys.RetirementGrace == 0 {
		c.Keys.RetirementGrace = 24 * time.Hour
	}
	if c.Keys.SchedulerInterval == 0 {
		c.Keys.SchedulerInterval = time.Minute
	}
	if c.Keys.OpTimeout == 0 {
		c.Keys.OpTimeout = 30 * time.Second
	}
	if c.Keys.PersistMaxAttempts == 0 {
		c.Keys.PersistMaxAttempts = 5
	}
	if c.Cohort.SaltRotationInterval == 0 {
		c.Cohort.SaltRotationInterval = 30 * 24 * time.Hour
	}
	if c.Cohort.CacheTTL == 0 {
		c.Cohort.CacheTTL = time.Hour
	}
	if c.Flags.SignTTL == 0 {
		c.Flags.SignTTL = time.Minute
	}
	if c.Flags.MaxAge == 0 {
		c.Flags.MaxAge = 5 * time.Minute
	}
	if c.Drift.BufferSize == 0 {
		c.Drift.BufferSize = 512
	}
	if c.Drift.Window == 0 {
		c.Drift.Window = time.Hour
	}
	if c.Drift.Interval == 0 {
		c.Drift.Interval = time.Minute
	}
	if c.Drift.RedisStream.Stream == "" {
		c.Drift.RedisStream.Stream = "trust:drift-alerts"
	}
	if c.Drift.RedisStream.MaxLen == 0 {
		c.Drift.RedisStream.MaxLen = 10000
	}
	if c.Rate.Backend == "" {
		c.Rate.Backend = "memory"
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 60
	}
	if c.Rate.Window == 0 {
		c.Rate.Window = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa el YAML con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvDur("SERVER_SHUTDOWN_TIMEOUT"); ok {
		c.Server.ShutdownTimeout = v
	}
	if v, ok := getEnvBool("SERVER_METRICS_ENABLED"); ok {
		c.Server.MetricsEnabled = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("STORAGE_DIR"); ok {
		c.Storage.Dir = v
	}
	if v, ok := getEnvStr("STORAGE_PREFIX"); ok {
		c.Storage.Prefix = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Storage.Redis.DB = v
	}

	// KEYS
	if v, ok := getEnvDur("KEYS_VALIDITY"); ok {
		c.Keys.Validity = v
	}
	if v, ok := getEnvDur("KEYS_ROTATION_THRESHOLD"); ok {
		c.Keys.RotationThreshold = v
	}
	if v, ok := getEnvDur("KEYS_OVERLAP_WINDOW"); ok {
		c.Keys.OverlapWindow = v
	}
	if v, ok := getEnvDur("KEYS_RETIREMENT_GRACE"); ok {
		c.Keys.RetirementGrace = v
	}
	if v, ok := getEnvDur("KEYS_SCHEDULER_INTERVAL"); ok {
		c.Keys.SchedulerInterval = v
	}
	if v, ok := getEnvInt("KEYS_PERSIST_MAX_ATTEMPTS"); ok {
		c.Keys.PersistMaxAttempts = v
	}
	if v, ok := getEnvStr(secretbox.EnvVar); ok {
		c.Keys.MasterKey = v
	}

	// COHORT
	if v, ok := getEnvDur("COHORT_SALT_ROTATION_INTERVAL"); ok {
		c.Cohort.SaltRotationInterval = v
	}
	if v, ok := getEnvBool("COHORT_RECORD_ASSIGNMENTS"); ok {
		c.Cohort.RecordAssignments = v
	}

	// FLAGS
	if v, ok := getEnvStr("FLAGS_SEED_FILE"); ok {
		c.Flags.SeedFile = v
	}
	if v, ok := getEnvDur("FLAGS_SIGN_TTL"); ok {
		c.Flags.SignTTL = v
	}
	if v, ok := getEnvDur("FLAGS_MAX_AGE"); ok {
		c.Flags.MaxAge = v
	}

	// DRIFT
	if v, ok := getEnvInt("DRIFT_BUFFER_SIZE"); ok {
		c.Drift.BufferSize = v
	}
	if v, ok := getEnvDur("DRIFT_WINDOW"); ok {
		c.Drift.Window = v
	}
	if v, ok := getEnvBool("DRIFT_REDIS_STREAM_ENABLED"); ok {
		c.Drift.RedisStream.Enabled = v
	}

	// ADMIN
	if v, ok := getEnvCSV("ADMIN_API_KEYS"); ok {
		c.Admin.APIKeys = v
	}

	// RATE
	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvStr("RATE_BACKEND"); ok {
		c.Rate.Backend = v
	}
	if v, ok := getEnvInt("RATE_MAX_REQUESTS"); ok {
		c.Rate.MaxRequests = v
	}
	if v, ok := getEnvDur("RATE_WINDOW"); ok {
		c.Rate.Window = v
	}

	// LOGGING
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
}

// Validate chequea combinaciones inválidas.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "fs":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	case "postgres", "pg":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	if c.Keys.RotationThreshold >= c.Keys.Validity {
		errs = append(errs, errors.New("keys.rotation_threshold must be shorter than keys.validity"))
	}
	if c.Keys.OverlapWindow >= c.Keys.RotationThreshold {
		errs = append(errs, errors.New("keys.overlap_window must be shorter than keys.rotation_threshold"))
	}
	if c.Keys.PersistMaxAttempts < 1 {
		errs = append(errs, errors.New("keys.persist_max_attempts must be >= 1"))
	}
	if c.Keys.MasterKey != "" {
		if _, err := secretbox.ParseKey(c.Keys.MasterKey); err != nil {
			errs = append(errs, fmt.Errorf("keys.master_key: %w", err))
		}
	}
	if c.Flags.SignTTL >= c.Flags.MaxAge {
		errs = append(errs, errors.New("flags.sign_ttl must be shorter than flags.max_age"))
	}
	if c.Rate.Enabled && c.Rate.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate.max_requests must be > 0"))
	}
	if c.Drift.RedisStream.Enabled && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("drift.redis_stream requires storage.redis.addr"))
	}

	if strings.EqualFold(c.App.Env, "prod") {
		if len(c.Admin.APIKeys) == 0 {
			errs = append(errs, errors.New("admin.api_keys is required in prod"))
		}
		if c.Keys.MasterKey == "" {
			errs = append(errs, fmt.Errorf("keys.master_key (or %s) is required in prod", secretbox.EnvVar))
		}
		if c.Storage.Driver == "memory" {
			errs = append(errs, errors.New("storage.driver memory is not allowed in prod"))
		}
	}
	return errors.Join(errs...)
}

// MasterKeyBytes decodifica keys.master_key (nil si no hay).
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if strings.TrimSpace(c.Keys.MasterKey) == "" {
		return nil, nil
	}
	return secretbox.ParseKey(c.Keys.MasterKey)
}

// IsProd indica si corre en producción.
func (c *Config) IsProd() bool { return strings.EqualFold(c.App.Env, "prod") }
