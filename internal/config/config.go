package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("invalid duration")
	}
	// plain integers are nanoseconds
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	return nil
}

type Configuration struct {
	Database          string        `yaml:"database" validate:"required"`
	FetchInterval     Duration      `yaml:"fetchInterval"`
	StoreFolder       string        `yaml:"storeFolder"`
	MaxAttachmentSize int64         `yaml:"maxAttachmentSize" validate:"gt=0"`
	MaxReportSize     int64         `yaml:"maxReportSize" validate:"gt=0"`
	ImapConfig        IMAPConfig    `yaml:"imap"`
	DNS               DNSConfig     `yaml:"dns"`
	Metrics           MetricsConfig `yaml:"metrics"`
	Redis             RedisConfig   `yaml:"redis"`
}

type IMAPConfig struct {
	Host       string      `yaml:"host" validate:"required,hostname_port"`
	SSL        bool        `yaml:"ssl"`
	User       string      `yaml:"user" validate:"required"`
	Pass       string      `yaml:"pass"`
	Folder     string      `yaml:"folder" validate:"required"`
	IgnoreCert bool        `yaml:"ignoreCert"`
	Timeout    Duration    `yaml:"timeout"`
	OAuth      OAuthConfig `yaml:"oauth"`
}

// OAuthConfig enables OAUTHBEARER authentication using the client
// credentials flow. It is only used when TokenURL is set.
type OAuthConfig struct {
	TokenURL     string   `yaml:"tokenURL" validate:"omitempty,url"`
	ClientID     string   `yaml:"clientID" validate:"required_with=TokenURL"`
	ClientSecret string   `yaml:"clientSecret" validate:"required_with=TokenURL"`
	Scopes       []string `yaml:"scopes"`
}

func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != ""
}

type DNSConfig struct {
	Server         string   `yaml:"server" validate:"omitempty,hostname_port"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	Timeout        Duration `yaml:"timeout"`
	CacheTimeout   Duration `yaml:"cacheTimeout"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

type RedisConfig struct {
	URL     string   `yaml:"url" validate:"omitempty,url"`
	LockTTL Duration `yaml:"lockTTL"`
}

// Defaults returns the configuration used as the base for every config file.
func Defaults() Configuration {
	return Configuration{
		Database:          "data.db",
		FetchInterval:     Duration{Duration: 1 * time.Hour},
		StoreFolder:       "processed",
		MaxAttachmentSize: 15 * 1024 * 1024,
		MaxReportSize:     20 * 1024 * 1024,
		ImapConfig: IMAPConfig{
			SSL:     true,
			Folder:  "INBOX",
			Timeout: Duration{Duration: 30 * time.Second},
		},
		DNS: DNSConfig{
			ConnectTimeout: Duration{Duration: 1 * time.Second},
			Timeout:        Duration{Duration: 10 * time.Second},
			CacheTimeout:   Duration{Duration: 1 * time.Hour},
		},
		Redis: RedisConfig{
			LockTTL: Duration{Duration: 30 * time.Minute},
		},
	}
}

func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}

	// allow ${VAR} references so secrets can live in the environment
	expanded := os.ExpandEnv(string(b))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err = decoder.Decode(&defaults); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	return &defaults, nil
}

// Validate checks all struct constraints and reports every violation at once.
func (c *Configuration) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	var validationErrors validator.ValidationErrors
	if err := v.Struct(c); err != nil && !errors.As(err, &validationErrors) {
		return err
	}

	var result *multierror.Error
	if c.ImapConfig.Pass == "" && !c.ImapConfig.OAuth.Enabled() {
		result = multierror.Append(result, errors.New("imap.pass is required unless imap.oauth is configured"))
	}
	if c.FetchInterval.Duration <= 0 {
		result = multierror.Append(result, fmt.Errorf("fetchInterval must be positive, got %s", c.FetchInterval))
	}
	if c.ImapConfig.Timeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("imap.timeout must not be negative, got %s", c.ImapConfig.Timeout))
	}
	// a zero ttl never expires
	if c.Redis.URL != "" && c.Redis.LockTTL.Duration <= 0 {
		result = multierror.Append(result, fmt.Errorf("redis.lockTTL must be positive, got %s", c.Redis.LockTTL))
	}
	for _, fe := range validationErrors {
		result = multierror.Append(result, fmt.Errorf("invalid value for %s: failed on %q", fe.Namespace(), fe.Tag()))
	}
	return result.ErrorOrNil()
}
