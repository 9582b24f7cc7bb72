package controller

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// RunOptions are the command line inputs of Run
type RunOptions struct {
	ConfigFile  string
	EnvFile     string
	RunDuration time.Duration // 0 runs until a signal
}

// LoadConfig reads the environment overrides and configuration file, then
// validates the result
func LoadConfig(configFile, envFile string) (*Config, error) {
	env, err := LoadEnvironment(envFile)
	if err != nil {
		return nil, err
	}

	config, err := LoadConfigFromFile(configFile, env)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

// ValidateConfigFile validates a configuration file without running anything
func ValidateConfigFile(configFile, envFile string) error {
	_, err := LoadConfig(configFile, envFile)
	return err
}

// Run starts the controller from config and blocks until a termination
// signal arrives or the run duration elapses
func Run(options RunOptions, config *Config, logger logging.Logger) error {
	logger.Infof("Controller runner starting...")
	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
	if options.EnvFile != "" {
		logger.Infof("Using ENVIRONMENT FILE: %s", options.EnvFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	controller, err := New(config, logger)
	if err != nil {
		return errors.NewInternalError("failed to create controller", err)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	if err := controller.Start(ctx); err != nil {
		return errors.NewInternalError("failed to start controller", err)
	}

	logger.Infof("Controller is ready, api: %s", controller.APIAddr())

	select {
	case receivedSignal := <-sig:
		logger.Infof("Controller runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Controller runner timed out")
	}

	// background context, so the run duration does not cut the graceful stop short
	controller.Stop(context.Background())

	logger.Infof("Controller runner stopped")
	return nil
}
