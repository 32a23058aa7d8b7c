// Package config provides a reusable loader for artifactsync configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"artifactsync/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for one side of a sync: the knobs
// spec.md §6 names as external interface, plus the local repository
// location and the ambient logging level.
type Config struct {
	Repo struct {
		ServerCode  string `mapstructure:"server_code" json:"server_code"`
		ProjectCode string `mapstructure:"project_code" json:"project_code"`

		ParentProjectCode string `mapstructure:"parent_project_code" json:"parent_project_code"`
		ParentProjectName string `mapstructure:"parent_project_name" json:"parent_project_name"`

		StorePath string `mapstructure:"store_path" json:"store_path"`
	} `mapstructure:"repo" json:"repo"`

	Sync struct {
		MaxDownload     int64  `mapstructure:"max_download" json:"max_download"`
		MaxDownloadTime int    `mapstructure:"max_download_time" json:"max_download_time"`
		MaxUpload       int64  `mapstructure:"max_upload" json:"max_upload"`
		DontPush        bool   `mapstructure:"dont_push" json:"dont_push"`
		Cookie          string `mapstructure:"cookie" json:"cookie"`
		RemoteUserOK    bool   `mapstructure:"remote_user_ok" json:"remote_user_ok"`
		UVSync          bool   `mapstructure:"uv_sync" json:"uv_sync"`
	} `mapstructure:"sync" json:"sync"`

	Server struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"server" json:"server"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("ARTIFACTSYNC")
	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ARTIFACTSYNC_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ARTIFACTSYNC_ENV", ""))
}

// setDefaults seeds viper with the protocol's own defaults (spec.md §5's
// 250 KiB client-side cap and the server's 5 MB/30s reply budget) so a
// config-file-less run still gets sane back-pressure.
func setDefaults() {
	viper.SetDefault("sync.max_download", 5<<20)
	viper.SetDefault("sync.max_upload", 250<<10)
	viper.SetDefault("sync.max_download_time", 30)
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("logging.level", "info")
}
