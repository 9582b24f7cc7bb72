package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-realmctl/pkg/controller"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the YAML configuration file" required:"true"`
	EnvFile     string `long:"env-file" description:"dotenv file with AC_PROJECT_ROOT, SOAP_* and DB_* overrides"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds (0 runs until a signal)"`
	Check       bool   `long:"check" description:"validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := controller.LoadConfig(opts.Config, opts.EnvFile)
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	if opts.Check {
		fmt.Printf("Configuration OK, %s\n", config.Summary())
		return
	}

	backend, err := logging.NewZapBackend(config.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger(logPrefix("realmctl"))
	logger.Infof("Starting, config: %s", opts.Config)

	runOptions := controller.RunOptions{
		ConfigFile:  opts.Config,
		EnvFile:     opts.EnvFile,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
	}
	if err := controller.Run(runOptions, config, logger); err != nil {
		logger.Errorf("Controller failed: %v", err)
		_ = backend.Sync()
		os.Exit(1)
	}
}
