package controller

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-realmctl/pkg/api"
	"github.com/core-tools/hsu-realmctl/pkg/compose"
	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/override"
	"github.com/core-tools/hsu-realmctl/pkg/realms"
	"github.com/core-tools/hsu-realmctl/pkg/soap"
	"github.com/core-tools/hsu-realmctl/pkg/supervisor"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// Config is the top-level configuration file structure
type Config struct {
	Project              ProjectConfig     `yaml:"project"`
	Units                UnitsConfig       `yaml:"units"`
	Supervisor           supervisor.Config `yaml:"supervisor"`
	SOAP                 soap.Config       `yaml:"soap"`
	Database             realms.Config     `yaml:"database"`
	API                  api.Config        `yaml:"api"`
	GRPC                 GRPCConfig        `yaml:"grpc"`
	NATS                 events.NATSConfig `yaml:"nats"`
	Metrics              MetricsConfig     `yaml:"metrics"`
	Logging              logging.ZapConfig `yaml:"logging"`
	ForceShutdownTimeout time.Duration     `yaml:"force_shutdown_timeout,omitempty"`
}

type ProjectConfig struct {
	Root           string        `yaml:"root"`
	ComposeBinary  string        `yaml:"compose_binary,omitempty"`
	ComposeFiles   []string      `yaml:"compose_files,omitempty"`
	OverrideFile   string        `yaml:"override_file,omitempty"` // relative to Root unless absolute
	WatchOverride  *bool         `yaml:"watch_override,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
	LogTail        int           `yaml:"log_tail,omitempty"`
}

type UnitsConfig struct {
	Names   []string `yaml:"names,omitempty"`
	Primary string   `yaml:"primary,omitempty"`
}

type GRPCConfig struct {
	Port int `yaml:"port"` // 0 disables the health service
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	DefaultAPIListen            = "127.0.0.1:8480"
	DefaultForceShutdownTimeout = 30 * time.Second
	DefaultSOAPHost             = "127.0.0.1"
	DefaultSOAPPort             = 7878
	DefaultSOAPUser             = "soap"
	DefaultSOAPPassword         = "soap"
	DefaultDBHost               = "127.0.0.1"
	DefaultDBPort               = 3306
	DefaultDBUser               = "root"
	DefaultDBPassword           = "password"
)

// Environment keys that override the configuration file
const (
	EnvProjectRoot = "AC_PROJECT_ROOT"
	EnvSOAPHost    = "SOAP_HOST"
	EnvSOAPPort    = "SOAP_PORT"
	EnvSOAPUser    = "SOAP_USER"
	EnvSOAPPass    = "SOAP_PASS"
	EnvDBHost      = "DB_HOST"
	EnvDBPort      = "DB_PORT"
	EnvDBUser      = "DB_USER"
	EnvDBPass      = "DB_PASS"
)

var environmentKeys = []string{
	EnvProjectRoot,
	EnvSOAPHost, EnvSOAPPort, EnvSOAPUser, EnvSOAPPass,
	EnvDBHost, EnvDBPort, EnvDBUser, EnvDBPass,
}

// LoadConfigFromFile loads the configuration from a YAML file, applies
// environment overrides and defaults
func LoadConfigFromFile(filename string, env map[string]string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	return ParseConfig(data, env)
}

// ParseConfig is LoadConfigFromFile without the file
func ParseConfig(data []byte, env map[string]string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := applyEnvironment(&config, env); err != nil {
		return nil, err
	}

	setConfigDefaults(&config)
	return &config, nil
}

// LoadEnvironment collects the override keys from an optional dotenv file
// and the process environment. Non-empty process values win.
func LoadEnvironment(envFile string) (map[string]string, error) {
	env := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil {
			return nil, errors.NewIOError("failed to read environment file", err).WithContext("filename", envFile)
		}
		for _, key := range environmentKeys {
			if value, ok := values[key]; ok {
				env[key] = value
			}
		}
	}
	for _, key := range environmentKeys {
		if value := os.Getenv(key); value != "" {
			env[key] = value
		}
	}
	return env, nil
}

func applyEnvironment(config *Config, env map[string]string) error {
	setString := func(key string, dst *string) {
		if value, ok := env[key]; ok && value != "" {
			*dst = value
		}
	}
	setPort := func(key string, dst *int) error {
		value, ok := env[key]
		if !ok || value == "" {
			return nil
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			return errors.NewValidationError("invalid port in environment", err).WithContext("key", key)
		}
		*dst = port
		return nil
	}

	setString(EnvProjectRoot, &config.Project.Root)
	setString(EnvSOAPHost, &config.SOAP.Host)
	setString(EnvSOAPUser, &config.SOAP.User)
	setString(EnvSOAPPass, &config.SOAP.Password)
	setString(EnvDBHost, &config.Database.Host)
	setString(EnvDBUser, &config.Database.User)
	setString(EnvDBPass, &config.Database.Password)

	if err := setPort(EnvSOAPPort, &config.SOAP.Port); err != nil {
		return err
	}
	return setPort(EnvDBPort, &config.Database.Port)
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Project.ComposeBinary == "" {
		config.Project.ComposeBinary = "docker"
	}
	if config.Project.OverrideFile == "" {
		config.Project.OverrideFile = override.FileName
	}
	if config.Project.WatchOverride == nil {
		watch := true
		config.Project.WatchOverride = &watch
	}
	if config.Project.CommandTimeout == 0 {
		config.Project.CommandTimeout = compose.DefaultCommandTimeout
	}
	if config.Project.LogTail == 0 {
		config.Project.LogTail = compose.DefaultLogTail
	}

	if len(config.Units.Names) == 0 {
		config.Units.Names = append([]string(nil), units.DefaultNames...)
		if config.Units.Primary == "" {
			config.Units.Primary = units.WorldServer
		}
	}

	if config.Supervisor.Interval == 0 {
		config.Supervisor.Interval = supervisor.DefaultInterval
	}

	if config.SOAP.Host == "" {
		config.SOAP.Host = DefaultSOAPHost
	}
	if config.SOAP.Port == 0 {
		config.SOAP.Port = DefaultSOAPPort
	}
	if config.SOAP.User == "" {
		config.SOAP.User = DefaultSOAPUser
	}
	if config.SOAP.Password == "" {
		config.SOAP.Password = DefaultSOAPPassword
	}

	if config.Database.Host == "" {
		config.Database.Host = DefaultDBHost
	}
	if config.Database.Port == 0 {
		config.Database.Port = DefaultDBPort
	}
	if config.Database.User == "" {
		config.Database.User = DefaultDBUser
	}
	if config.Database.Password == "" {
		config.Database.Password = DefaultDBPassword
	}
	if config.Database.Database == "" {
		config.Database.Database = realms.DefaultDatabase
	}

	if config.API.Listen == "" {
		config.API.Listen = DefaultAPIListen
	}
	if config.API.RequestTimeout == 0 {
		config.API.RequestTimeout = api.DefaultRequestTimeout
	}

	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = events.DefaultSubjectPrefix
	}

	defaults := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Output
	}

	if config.ForceShutdownTimeout == 0 {
		config.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
}

// OverridePath resolves the override file against the project root
func (c *Config) OverridePath() string {
	if filepath.IsAbs(c.Project.OverrideFile) {
		return c.Project.OverrideFile
	}
	return filepath.Join(c.Project.Root, c.Project.OverrideFile)
}

// Summary returns a one-line description for startup logs
func (c *Config) Summary() string {
	return "project: " + c.Project.Root +
		", units: " + strconv.Itoa(len(c.Units.Names)) +
		", primary: " + c.Units.Primary +
		", api: " + c.API.Listen +
		", grpc_port: " + strconv.Itoa(c.GRPC.Port) +
		", nats: " + strconv.FormatBool(c.NATS.Enabled) +
		", metrics: " + strconv.FormatBool(c.Metrics.Enabled)
}
