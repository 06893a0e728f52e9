// Package config defines the process configuration, bound to flags and
// environment variables.
package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/store"
)

// Config is the top-level configuration object of the engine process.
type Config struct {
	API struct {
		Port         int `long:"port" env:"PORT" default:"8080" description:"Control plane listen port"`
		WSMaxClients int `long:"ws-max-clients" env:"MIRTH_WS_MAX_CLIENTS" default:"64" description:"Maximum concurrent event stream clients"`
	} `group:"API" namespace:"api"`

	DB struct {
		Host     string `long:"host" env:"DB_HOST" description:"Postgres host; empty selects embedded SQLite"`
		Port     int    `long:"port" env:"DB_PORT" default:"5432" description:"Postgres port"`
		Name     string `long:"name" env:"DB_NAME" default:"meridian" description:"Database name"`
		User     string `long:"user" env:"DB_USER" default:"meridian" description:"Database user"`
		Password string `long:"password" env:"DB_PASSWORD" description:"Database password"`
		Path     string `long:"path" env:"DB_PATH" default:"meridian.db" description:"SQLite database path when no host is set"`
	} `group:"Database" namespace:"db"`

	Engine struct {
		Mode           string `long:"mode" env:"MIRTH_MODE" default:"auto" choice:"standalone" choice:"takeover" choice:"auto" description:"Schema bootstrap mode"`
		EncryptionKey  string `long:"encryption-key" env:"MIRTH_ENCRYPTION_KEY" description:"Content encryption key; empty disables encryption"`
		ShadowMode     bool   `long:"shadow-mode" env:"MIRTH_SHADOW_MODE" description:"Process and persist but never dispatch to destinations"`
		ClusterEnabled bool   `long:"cluster-enabled" env:"MIRTH_CLUSTER_ENABLED" description:"Enable the shared-storage server heartbeat"`
	} `group:"Engine" namespace:"engine"`

	Log LogConfig `group:"Logging" namespace:"log"`
}

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies the logging configuration to the process logger.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// StoreConfig derives the message store configuration: Postgres when a
// database host is configured, embedded SQLite otherwise.
func (c *Config) StoreConfig() store.Config {
	var out = store.Config{
		Mode:          store.Mode(c.Engine.Mode),
		EncryptionKey: c.Engine.EncryptionKey,
	}
	if c.DB.Host != "" {
		out.Driver = "pgx"
		out.DSN = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
	} else {
		out.Driver = "sqlite3"
		out.DSN = c.DB.Path
	}
	return out
}
