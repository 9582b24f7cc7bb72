package domain

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

type MockContract struct {
	mock.Mock
}

func (m *MockContract) Status(ctx context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockContract) UnitStatus(ctx context.Context, unit string) (string, error) {
	args := m.Called(unit)
	return args.String(0), args.Error(1)
}

func TestRetryStatus_SucceedsAfterFailures(t *testing.T) {
	contract := &MockContract{}
	contract.On("Status").Return("", stderrors.New("connection refused")).Twice()
	contract.On("Status").Return("SERVING", nil).Once()

	status, err := RetryStatus(context.Background(), contract,
		RetryOptions{RetryAttempts: 5, RetryInterval: time.Millisecond}, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)
	contract.AssertNumberOfCalls(t, "Status", 3)
}

func TestRetryStatus_GivesUp(t *testing.T) {
	contract := &MockContract{}
	contract.On("Status").Return("", stderrors.New("connection refused"))

	_, err := RetryStatus(context.Background(), contract,
		RetryOptions{RetryAttempts: 2, RetryInterval: time.Millisecond}, logging.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
	contract.AssertNumberOfCalls(t, "Status", 2)
}

func TestRetryStatus_Cancelled(t *testing.T) {
	contract := &MockContract{}
	contract.On("Status").Return("", stderrors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryStatus(ctx, contract,
		RetryOptions{RetryAttempts: 3, RetryInterval: time.Hour}, logging.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
}
