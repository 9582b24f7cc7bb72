package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/core-tools/hsu-realmctl/pkg/control"
	"github.com/core-tools/hsu-realmctl/pkg/domain"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

type flagOptions struct {
	Address  string   `long:"address" default:"127.0.0.1:50061" description:"health service address of realmctlsrv"`
	Units    []string `long:"unit" description:"also report this unit (repeatable)"`
	Attempts int      `long:"attempts" default:"10" description:"connection attempts before giving up"`
	Interval int      `long:"interval" default:"1" description:"seconds between attempts"`
	Verbose  bool     `long:"verbose" short:"v" description:"debug logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
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

	zapConfig := logging.DefaultZapConfig()
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()
	logger := backend.Logger(logPrefix("realmctl"))

	conn, err := grpc.NewClient(opts.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Errorf("Failed to create connection: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	gateway := control.NewGRPCClientGateway(conn, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Attempts*(opts.Interval+5))*time.Second)
	defer cancel()

	retryOptions := domain.RetryOptions{
		RetryAttempts: opts.Attempts,
		RetryInterval: time.Duration(opts.Interval) * time.Second,
	}
	status, err := domain.RetryStatus(ctx, gateway, retryOptions, logger)
	if err != nil {
		logger.Errorf("Failed to get status: %v", err)
		os.Exit(1)
	}
	fmt.Printf("all units: %s\n", status)

	exitCode := 0
	for _, unit := range opts.Units {
		unitStatus, err := gateway.UnitStatus(ctx, unit)
		if err != nil {
			fmt.Printf("%s: error: %v\n", unit, err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: %s\n", unit, unitStatus)
	}

	if status != "SERVING" && exitCode == 0 {
		exitCode = 2
	}
	_ = backend.Sync()
	os.Exit(exitCode)
}
