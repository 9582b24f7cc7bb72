package controller

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateProject(&config.Project); err != nil {
		return errors.NewValidationError("invalid project configuration", err)
	}

	if _, err := units.NewRegistry(config.Units.Names, config.Units.Primary); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	if config.Supervisor.Interval < 0 || config.Supervisor.PollTimeout < 0 ||
		config.Supervisor.InfoTimeout < 0 || config.Supervisor.RestartTimeout < 0 {
		return errors.NewValidationError("invalid supervisor configuration: durations cannot be negative", nil)
	}

	if err := ValidatePort(config.SOAP.Port); err != nil {
		return errors.NewValidationError("invalid soap configuration", err)
	}
	if err := ValidatePort(config.Database.Port); err != nil {
		return errors.NewValidationError("invalid database configuration", err)
	}

	if err := ValidateListenAddress(config.API.Listen); err != nil {
		return errors.NewValidationError("invalid api configuration", err)
	}

	if config.GRPC.Port != 0 {
		if err := ValidatePort(config.GRPC.Port); err != nil {
			return errors.NewValidationError("invalid grpc configuration", err)
		}
	}

	if config.NATS.Enabled && config.NATS.URL == "" {
		return errors.NewValidationError("invalid nats configuration: url is required when enabled", nil)
	}

	if err := ValidateTimeout(config.ForceShutdownTimeout, "force shutdown"); err != nil {
		return err
	}

	return nil
}

func validateProject(project *ProjectConfig) error {
	if project.Root == "" {
		return errors.NewValidationError("project root is required (set project.root or "+EnvProjectRoot+")", nil)
	}
	info, err := os.Stat(project.Root)
	if err != nil {
		return errors.NewValidationError("project root is not accessible", err).WithContext("root", project.Root)
	}
	if !info.IsDir() {
		return errors.NewValidationError("project root is not a directory", nil).WithContext("root", project.Root)
	}
	if project.LogTail < 0 {
		return errors.NewValidationError("log tail cannot be negative", nil)
	}
	return ValidateTimeout(project.CommandTimeout, "command")
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateListenAddress validates a host:port listen address. An empty host
// means all interfaces and port 0 an ephemeral port.
func ValidateListenAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if port != 0 {
		if err := ValidatePort(port); err != nil {
			return errors.NewValidationError("invalid port in address: "+address, err)
		}
	}

	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}
