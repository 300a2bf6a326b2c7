package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config is read once at startup from the environment.
type Config struct {
	CronSchedule string
	Timezone     string

	ConfigDir      string
	AppDir         string
	DownloadShell  string
	DownloadScript string
	DownloadFiles  []string
	TaskTimeout    time.Duration
	MisfireGrace   time.Duration

	LogLevel    string
	LogEncoding string

	APIEnabled   bool
	APIPort      string
	APIJWTSecret string

	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	OTelEnabled      bool
	OTelEndpoint     string
	OTelSamplingRate float64
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cron_schedule", "0 15 * * *") // daily at 15:00
	v.SetDefault("tz", "UTC")

	v.SetDefault("config_dir", "/app/config")
	v.SetDefault("app_dir", "/app")
	v.SetDefault("download_shell", "bash")
	v.SetDefault("download_script", "download.sh")
	v.SetDefault("download_files", "missing_tracks_tidal.txt,missing_albums_tidal.txt")
	v.SetDefault("task_timeout", "2h")
	v.SetDefault("misfire_grace", "1h")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "console")

	v.SetDefault("api_enabled", false)
	v.SetDefault("api_port", "8080")
	v.SetDefault("api_jwt_secret", "")

	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_prefix", "download_logs/")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_secret_access_key", "")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "localhost:4318")
	v.SetDefault("otel_sampling_rate", 1.0)
}

// NewViper returns a viper instance bound to the process environment.
// Keys map to upper-case variables: cron_schedule -> CRON_SCHEDULE.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	return LoadWithViper(NewViper())
}

// LoadWithViper reads configuration from the given viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CronSchedule: v.GetString("cron_schedule"),
		Timezone:     v.GetString("tz"),

		ConfigDir:      v.GetString("config_dir"),
		AppDir:         v.GetString("app_dir"),
		DownloadShell:  v.GetString("download_shell"),
		DownloadScript: v.GetString("download_script"),
		DownloadFiles:  splitList(v.GetString("download_files")),

		LogLevel:    v.GetString("log_level"),
		LogEncoding: v.GetString("log_encoding"),

		APIEnabled:   v.GetBool("api_enabled"),
		APIPort:      v.GetString("api_port"),
		APIJWTSecret: v.GetString("api_jwt_secret"),

		S3Bucket:          v.GetString("s3_bucket"),
		S3Prefix:          v.GetString("s3_prefix"),
		S3Region:          v.GetString("s3_region"),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3AccessKeyID:     v.GetString("s3_access_key_id"),
		S3SecretAccessKey: v.GetString("s3_secret_access_key"),

		OTelEnabled:      v.GetBool("otel_enabled"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		OTelSamplingRate: v.GetFloat64("otel_sampling_rate"),
	}

	var err error
	if cfg.TaskTimeout, err = parseDuration(v, "task_timeout"); err != nil {
		return nil, err
	}
	if cfg.MisfireGrace, err = parseDuration(v, "misfire_grace"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogDir is where run log artifacts are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.ConfigDir, "download_logs")
}

// ErrorLogFile is the append-only error log shared by all runs.
func (c *Config) ErrorLogFile() string {
	return filepath.Join(c.ConfigDir, "error_log.txt")
}

// ScriptPath is the absolute path of the download script.
func (c *Config) ScriptPath() string {
	if filepath.IsAbs(c.DownloadScript) {
		return c.DownloadScript
	}
	return filepath.Join(c.AppDir, c.DownloadScript)
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", strings.ToUpper(key), raw)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", strings.ToUpper(key), raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
