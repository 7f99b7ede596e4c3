package kernelerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/kernelerr"
)

func TestError_CodeRoundTrip(t *testing.T) {
	err := kernelerr.New(kernelerr.SchemaMismatch, "value does not match declared schema")

	code, ok := kernelerr.GetCode(err)
	require.True(t, ok)
	assert.Equal(t, kernelerr.SchemaMismatch, code)
	assert.True(t, kernelerr.Is(err, kernelerr.SchemaMismatch))
	assert.False(t, kernelerr.Is(err, kernelerr.NotCanonical))
}

func TestError_WrapPreservesChain(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := kernelerr.Wrap(kernelerr.BackendUnavailable, "store put failed", base)

	assert.ErrorIs(t, wrapped, base)
	code, ok := kernelerr.GetCode(wrapped)
	require.True(t, ok)
	assert.Equal(t, kernelerr.BackendUnavailable, code)
}

func TestError_WithFieldIsImmutable(t *testing.T) {
	base := kernelerr.New(kernelerr.CapExpired, "capability expired")
	tagged := base.WithField("cap_name", "http_google")

	assert.Nil(t, base.Fields)
	assert.Equal(t, "http_google", tagged.Fields["cap_name"])
}

func TestCode_Fatal(t *testing.T) {
	assert.True(t, kernelerr.ReplayDivergence.Fatal())
	assert.True(t, kernelerr.RootCompletenessViolation.Fatal())
	assert.True(t, kernelerr.BaselineRegression.Fatal())
	assert.False(t, kernelerr.PolicyDenied.Fatal())
}

func TestGetCode_NonKernelError(t *testing.T) {
	_, ok := kernelerr.GetCode(errors.New("plain error"))
	assert.False(t, ok)
}
