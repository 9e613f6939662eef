package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MySQL        MySQLConfig        `mapstructure:"mysql"`
	MongoDB      MongoDBConfig      `mapstructure:"mongodb"`
	Session      SessionConfig      `mapstructure:"session"`
	Verification VerificationConfig `mapstructure:"verification"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// SessionConfig bounds cart sessions: TTL from last mutation, line caps,
// and the grace period before a stuck COMMITTING session is reconciled.
type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxLines     int           `mapstructure:"max_lines"`
	MaxPerItem   int           `mapstructure:"max_per_item"`
	CommitGrace  time.Duration `mapstructure:"commit_grace"`
	TaxRatePct   int64         `mapstructure:"tax_rate_pct"`
	ProductCache time.Duration `mapstructure:"product_cache_ttl"`
}

type VerificationConfig struct {
	CodeTTL         time.Duration `mapstructure:"code_ttl"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PhonePerHour    int64         `mapstructure:"phone_per_hour"`
	SessionPerHour  int64         `mapstructure:"session_per_hour"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type WatcherConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	SweepLimit int           `mapstructure:"sweep_limit"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.max_lines", 50)
	v.SetDefault("session.max_per_item", 20)
	v.SetDefault("session.commit_grace", 60*time.Second)
	v.SetDefault("session.tax_rate_pct", 19)
	v.SetDefault("session.product_cache_ttl", 30*time.Second)

	v.SetDefault("verification.code_ttl", 10*time.Minute)
	v.SetDefault("verification.token_ttl", 30*time.Minute)
	v.SetDefault("verification.max_attempts", 5)
	v.SetDefault("verification.phone_per_hour", 10)
	v.SetDefault("verification.session_per_hour", 5)
	v.SetDefault("verification.dispatch_timeout", 5*time.Second)

	v.SetDefault("watcher.interval", 2*time.Minute)
	v.SetDefault("watcher.sweep_limit", 200)
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}
