package domain

import (
	"context"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// Contract is the status surface the control server exposes to clients
type Contract interface {
	// Status returns the aggregate serving status of all units
	Status(ctx context.Context) (string, error)
	// UnitStatus returns the serving status of one unit
	UnitStatus(ctx context.Context, unit string) (string, error)
}

type RetryOptions struct {
	RetryAttempts int
	RetryInterval time.Duration
}

// RetryStatus queries Status until it succeeds or the attempts run out
func RetryStatus(ctx context.Context, contract Contract, options RetryOptions, logger logging.Logger) (string, error) {
	attempts := options.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := contract.Status(ctx)
		if err == nil {
			return status, nil
		}
		lastErr = err
		logger.Debugf("Status attempt failed, attempt: %d/%d, error: %v", attempt, attempts, err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", errors.NewCancelledError("status retry cancelled", ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return "", errors.NewNetworkError("control server unreachable", lastErr).WithContext("attempts", attempts)
}
