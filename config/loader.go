package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with the precedence defaults, then YAML file,
// then environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("flowgate.yaml").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FLOWGATE environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FLOWGATE",
		validators: []func(*Config) error{(*Config).Validate},
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation step.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and applies PREFIX_SECTION_FIELD
// environment variables to fields carrying an env tag.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from a file and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// LoadFromEnv resolves configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
