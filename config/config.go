package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Settings is the typed shape of the config file. Durations accept the usual
// "500ms" / "2m" strings.
type Settings struct {
	Server string `mapstructure:"server"`
	Login  string `mapstructure:"login"`
	Pass   string `mapstructure:"pass"`

	DBPath string `mapstructure:"dbpath"`

	Debug bool `mapstructure:"debug"`
	Trace bool `mapstructure:"trace"`

	TimelineLimit int           `mapstructure:"timelinelimit"`
	BackfillLimit int           `mapstructure:"backfilllimit"`
	WindowSize    int           `mapstructure:"windowsize"`
	Coalesce      time.Duration `mapstructure:"coalesce"`
	SendTimeout   time.Duration `mapstructure:"sendtimeout"`
	MaxAttempts   int           `mapstructure:"maxattempts"`
}

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(cfgfile)

	v.SetEnvPrefix("gamechat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	v.SetDefault("dbpath", "gamechat.db")
	v.SetDefault("timelinelimit", 50)
	v.SetDefault("backfilllimit", 50)
	v.SetDefault("windowsize", 100)
	v.SetDefault("coalesce", "50ms")
	v.SetDefault("sendtimeout", "2m")
	v.SetDefault("maxattempts", 5)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, err
	}
	return &s, nil
}
