package common

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "CONFIG_PATH"
	configJSONEnv = "CONFIG_JSON"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigManager loads layered configuration into T:
// embedded defaults, then the file at CONFIG_PATH, then inline CONFIG_JSON.
type ConfigManager[T any] struct {
	kf *koanf.Koanf
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{
		kf: koanf.New("."),
	}

	if err := cm.LoadConfig(yaml.Parser(), rawbytes.Provider(defaultConfig)); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		if err := cm.LoadConfig(parserFor(path), file.Provider(path)); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if raw := os.Getenv(configJSONEnv); raw != "" {
		if err := cm.LoadConfig(json.Parser(), rawbytes.Provider([]byte(raw))); err != nil {
			return nil, fmt.Errorf("load inline config: %w", err)
		}
	}

	return cm, nil
}

// LoadConfig merges another source on top of what is already loaded
func (cm *ConfigManager[T]) LoadConfig(parser koanf.Parser, provider koanf.Provider) error {
	return cm.kf.Load(provider, parser)
}

// GetConfig decodes the merged configuration. Decoding errors are returned
// as the zero value; NewConfigManager already validated the sources.
func (cm *ConfigManager[T]) GetConfig() T {
	var c T
	_ = cm.Unmarshal(&c)
	return c
}

func (cm *ConfigManager[T]) Unmarshal(c *T) error {
	return cm.kf.UnmarshalWithConf("", c, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           c,
		},
	})
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Parser()
	default:
		return yaml.Parser()
	}
}
