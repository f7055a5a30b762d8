package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env                string        `mapstructure:"ENV"`
	Port               string        `mapstructure:"PORT"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	AdminKey           string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed        string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB    int64         `mapstructure:"MAX_UPLOAD_MB"`
	ServiceNowInstance string        `mapstructure:"SERVICENOW_INSTANCE"`
	ServiceNowUser     string        `mapstructure:"SERVICENOW_USERNAME"`
	ServiceNowPassword string        `mapstructure:"SERVICENOW_PASSWORD"`
	ServiceNowTimeout  time.Duration `mapstructure:"SERVICENOW_TIMEOUT"`
	AssignmentGroups   string        `mapstructure:"SERVICENOW_ASSIGNMENT_GROUPS"`
	CheckInterval      time.Duration `mapstructure:"CHECK_INTERVAL"`
	ErrorRetryInterval time.Duration `mapstructure:"ERROR_RETRY_INTERVAL"`
	SchedulerAutoStart bool          `mapstructure:"SCHEDULER_AUTO_START"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 10)
	v.SetDefault("SERVICENOW_TIMEOUT", "30s")
	v.SetDefault("SERVICENOW_ASSIGNMENT_GROUPS", "Supply Chain - L2")
	v.SetDefault("CHECK_INTERVAL", "120s")
	v.SetDefault("ERROR_RETRY_INTERVAL", "30s")
	v.SetDefault("SCHEDULER_AUTO_START", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Groups splits the configured assignment group list.
func (c Config) Groups() []string {
	var out []string
	for _, g := range strings.Split(c.AssignmentGroups, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}
