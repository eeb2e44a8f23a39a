package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/studyloop/studyloop-chat/globals"
)

const (
	defaultWebsocketURL = "ws://localhost:8000/chat"
	defaultPageSize     = 50
)

// Config is the global configuration object which is filled via the
// configuration file and/or command-line flags.
type Config struct {
	ServerConfig      ServerConfig      `mapstructure:"server"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	FilterConfig      FilterConfig      `mapstructure:"filter"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	LogLevel          string            `mapstructure:"log_level"`
}

// ServerConfig holds the backend endpoints. WebsocketURL is the base the room
// id is appended to, HistoryURL and RoomsURL are the REST collaborators for
// paginated history and the room directory.
type ServerConfig struct {
	WebsocketURL string `mapstructure:"websocket_url"`
	HistoryURL   string `mapstructure:"history_url"`
	RoomsURL     string `mapstructure:"rooms_url"`
}

// HistoryConfig configures the initial history page requested on first join.
type HistoryConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// FilterConfig holds an optional expr expression evaluated against every
// inbound live message; messages for which it returns false are dropped
// before they reach the room state.
type FilterConfig struct {
	Inbound string `mapstructure:"inbound"`
}

// PersistenceConfig configures the local message cache. Type is one of
// "buntdb", "sqlite" or "postgres"; empty disables the cache. FlushSpec is an
// optional cron expression for periodically flushing room state to the cache.
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlushSpec string `mapstructure:"flush_spec"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("websocket-url", "w", defaultWebsocketURL, "base websocket endpoint (the room id is appended)")
	flagSet.String("history-url", "", "chat history REST endpoint")
	flagSet.String("rooms-url", "", "room directory REST endpoint")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("server.websocket_url", defaultWebsocketURL)
	viper.SetDefault("history.page_size", defaultPageSize)
	err := viper.BindPFlag("server.websocket_url", flagSet.Lookup("websocket-url"))
	if err == nil {
		err = viper.BindPFlag("server.history_url", flagSet.Lookup("history-url"))
	}
	if err == nil {
		err = viper.BindPFlag("server.rooms_url", flagSet.Lookup("rooms-url"))
	}
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("STUDYLOOP")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	if cfg.HistoryConfig.PageSize <= 0 {
		cfg.HistoryConfig.PageSize = defaultPageSize
	}
	return &cfg, nil
}
