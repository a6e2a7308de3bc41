package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type APIConfig struct {
	BaseURL string
}

type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

type StoreConfig struct {
	// Dir holds the encrypted credential record and the per-install secret.
	// Empty means <user config dir>/pixelmuse.
	Dir string
}

type UIConfig struct {
	// ErrorDisplayWindow is how long a failure banner stays up before it
	// auto-dismisses.
	ErrorDisplayWindow time.Duration
	SignInPath         string
	DownloadDir        string
	DownloadFilename   string
}

type KeepaliveConfig struct {
	Enabled  bool
	Schedule string
}

type OAuthConfig struct {
	ListenHost string
	ListenPort int
}

type AppConfig struct {
	Environment string
	API         APIConfig
	HTTP        HTTPConfig
	Store       StoreConfig
	UI          UIConfig
	Keepalive   KeepaliveConfig
	OAuth       OAuthConfig
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.config/pixelmuse")

	v.SetEnvPrefix("PIXELMUSE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.Dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		cfg.Store.Dir = filepath.Join(base, "pixelmuse")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("api.baseurl", "http://127.0.0.1:5000")

	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.useragent", "pixelmuse-client")

	v.SetDefault("ui.errordisplaywindow", "3s")
	v.SetDefault("ui.signinpath", "/signin")
	v.SetDefault("ui.downloaddir", ".")
	v.SetDefault("ui.downloadfilename", "generated-image.png")

	v.SetDefault("keepalive.enabled", true)
	v.SetDefault("keepalive.schedule", "0 */15 * * * *") // every 15 minutes

	v.SetDefault("oauth.listenhost", "127.0.0.1")
	v.SetDefault("oauth.listenport", 8431)
}
