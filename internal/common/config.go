package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvironmentProduction = "production"

type Config struct {
	ServiceName string `mapstructure:"-"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	HTTPPort       int    `mapstructure:"http_port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`

	// TraceSampleRatio outside (0, 1) samples every trace.
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`

	// Schedule is a cron spec; empty means run once and exit.
	Schedule string `mapstructure:"schedule"`

	DatabaseURL   string `mapstructure:"database_url"`
	StoreTimezone string `mapstructure:"store_timezone"`

	AWS      AWSConfig      `mapstructure:"aws"`
	Email    EmailConfig    `mapstructure:"email"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stats    StatsConfig    `mapstructure:"stats"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type EmailConfig struct {
	Provider         string `mapstructure:"provider"`
	FromEmail        string `mapstructure:"from_email"`
	MessageTag       string `mapstructure:"message_tag"`
	ConfigurationSet string `mapstructure:"configuration_set"`
	SendGridEndpoint string `mapstructure:"sendgrid_endpoint"`
	SendGridAPIKey   string `mapstructure:"sendgrid_api_key"`
	ImageBaseURL     string `mapstructure:"image_base_url"`
	TemplateDir      string `mapstructure:"template_dir"`
	TestRecipient    string `mapstructure:"test_recipient"`
}

type DispatchConfig struct {
	Workers    int     `mapstructure:"workers"`
	BatchCap   int     `mapstructure:"batch_cap"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
}

type IngestConfig struct {
	Backend     string `mapstructure:"backend"`
	QueueName   string `mapstructure:"queue_name"`
	BatchSize   int    `mapstructure:"batch_size"`
	WaitSeconds int    `mapstructure:"wait_seconds"`
	MaxPolls    int    `mapstructure:"max_polls"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	NotificationTopic string        `mapstructure:"notification_topic"`
	GroupID           string        `mapstructure:"group_id"`
	PollWindow        time.Duration `mapstructure:"poll_window"`
}

type StatsConfig struct {
	StartDayOffset int            `mapstructure:"start_day_offset"`
	EndDayOffset   int            `mapstructure:"end_day_offset"`
	Metrics        []MetricConfig `mapstructure:"metrics"`
}

type MetricConfig struct {
	ID            string `mapstructure:"id"`
	Namespace     string `mapstructure:"namespace"`
	MetricName    string `mapstructure:"metric_name"`
	DimensionName string `mapstructure:"dimension_name"`
	Period        int32  `mapstructure:"period"`
	Stat          string `mapstructure:"stat"`
	Unit          string `mapstructure:"unit"`
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

// Location resolves StoreTimezone, falling back to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.StoreTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid store_timezone %q: %w", c.StoreTimezone, err)
	}
	return loc, nil
}

// LoadConfig reads defaults, an optional YAML file and MAILER_* environment
// variables, in increasing order of precedence.
func LoadConfig(service string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mailer")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ServiceName = service
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.HTTPPort + 1000
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = service
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", "")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("pushgateway_url", "")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("trace_sample_ratio", 1.0)
	v.SetDefault("schedule", "")
	v.SetDefault("database_url", "")
	v.SetDefault("store_timezone", "UTC")

	v.SetDefault("aws.region", "eu-west-1")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	v.SetDefault("email.provider", "ses")
	v.SetDefault("email.from_email", "")
	v.SetDefault("email.message_tag", "campaign")
	v.SetDefault("email.configuration_set", "")
	v.SetDefault("email.sendgrid_endpoint", "https://api.sendgrid.com")
	v.SetDefault("email.sendgrid_api_key", "")
	v.SetDefault("email.image_base_url", "")
	v.SetDefault("email.template_dir", "")
	v.SetDefault("email.test_recipient", "")

	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.batch_cap", 200)
	v.SetDefault("dispatch.rate_per_sec", 0)

	v.SetDefault("ingest.backend", "sqs")
	v.SetDefault("ingest.queue_name", "")
	v.SetDefault("ingest.batch_size", 10)
	v.SetDefault("ingest.wait_seconds", 1)
	v.SetDefault("ingest.max_polls", 1000)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.notification_topic", "ses.notifications")
	v.SetDefault("kafka.group_id", "")
	v.SetDefault("kafka.poll_window", 2*time.Second)

	v.SetDefault("stats.start_day_offset", 7)
	v.SetDefault("stats.end_day_offset", 0)
}
