package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", Transient("op", errors.New("timeout")), true},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient("op", errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"cancelled inside transient", Transient("op", context.Canceled), false},
		{"exit code", &ExitCodeError{Method: "m", Code: 9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassifyGetMethodError(t *testing.T) {
	err := classifyGetMethodError(getUserStateMethod, fmt.Errorf("run: %w", ton.ContractExecError{Code: 11}))
	var exitErr *ExitCodeError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, int32(11), exitErr.Code)
	assert.Equal(t, getUserStateMethod, exitErr.Method)

	err = classifyGetMethodError(getUserStateMethod, errors.New("adnl timeout"))
	assert.True(t, IsTransient(err))
}

func TestClassifyLiteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"adnl timeout", fmt.Errorf("%w, node 1.2.3.4", liteclient.ErrADNLReqTimeout), true},
		{"no active connections", liteclient.ErrNoActiveConnections, true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"lite server rejection", ton.LSError{Code: 651, Text: "block is not applied"}, false},
		{"wrapped lite server rejection", fmt.Errorf("query: %w", ton.LSError{Code: 400, Text: "timeout waiting"}), false},
		{"local build failure", errors.New("build stack err"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyGetMethodError(getUserStateMethod, tt.err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyLiteErrorKeepsCancellation(t *testing.T) {
	err := classifyLiteError("send message", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}
