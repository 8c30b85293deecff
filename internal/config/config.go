package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the class of configuration failures.
var Error = errs.Class("config")

type Config struct {
	Database DatabaseConfig
	Cache    CacheConfig
	Schema   SchemaConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	// Driver is sqlite or mongo.
	Driver string
	// DSN is a file path (or ":memory:") for sqlite and a mongodb:// URI for mongo.
	DSN string
	// Name is the mongo database.
	Name    string
	Timeout time.Duration
}

type CacheConfig struct {
	// Driver is memory or redis.
	Driver  string
	Address string
	// Namespace separates the schema entries of applications sharing a backend.
	Namespace       string
	TTL             time.Duration
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
}

// ProtectedFieldsRule hides Fields of Class from Entity. Rules are a list
// because viper lowercases map keys and class names are case sensitive.
type ProtectedFieldsRule struct {
	Class  string
	Entity string
	Fields []string
}

type SchemaConfig struct {
	ProtectedFields     []ProtectedFieldsRule `mapstructure:"protectedFields"`
	AllowCustomObjectID bool                  `mapstructure:"allowCustomObjectId"`
}

// ProtectedFieldsByClass folds the rules into class -> entity -> fields.
func (c SchemaConfig) ProtectedFieldsByClass() map[string]map[string][]string {
	if len(c.ProtectedFields) == 0 {
		return nil
	}
	out := map[string]map[string][]string{}
	for _, rule := range c.ProtectedFields {
		if out[rule.Class] == nil {
			out[rule.Class] = map[string][]string{}
		}
		out[rule.Class][rule.Entity] = append(out[rule.Class][rule.Entity], rule.Fields...)
	}
	return out
}

type LogConfig struct {
	Level       string
	Development bool
}

func (c DatabaseConfig) Key() string {
	return c.Driver + "|" + c.DSN + "|" + c.Name
}

// LoadConfig reads path (or ./config.yaml when path is empty) over the
// defaults. PSTORE_* environment variables win over both, e.g.
// PSTORE_DATABASE_DSN for database.dsn.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pstore.db")
	v.SetDefault("database.name", "pstore")
	v.SetDefault("database.timeout", 10*time.Second)
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.address", "")
	v.SetDefault("cache.namespace", "")
	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("cache.cleanupInterval", time.Minute)
	v.SetDefault("schema.allowCustomObjectId", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix("PSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, Error.New("error reading config file: %v", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, Error.New("error unmarshaling config: %v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mongo":
	default:
		return Error.New("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return Error.New("database.dsn is required")
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Address == "" {
			return Error.New("cache.address is required for the redis cache")
		}
	default:
		return Error.New("unsupported cache driver %q", c.Cache.Driver)
	}
	for _, rule := range c.Schema.ProtectedFields {
		if rule.Class == "" || rule.Entity == "" {
			return Error.New("protected fields rules need a class and an entity")
		}
	}
	return nil
}
