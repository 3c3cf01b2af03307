package common

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"
)

// LoadConfig reads a YAML config file into config using viper.
// Nested keys may be overridden through KESTREL_-prefixed environment
// variables, with dots as underscores, e.g. KESTREL_METRICSPORT for the
// metricsPort key.
func LoadConfig(config interface{}, name string, path string) error {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("KESTREL")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
}

// ConfigureLogging sets up logrus the way every kestrel binary does, and
// hooks log-level counts into Prometheus.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}
