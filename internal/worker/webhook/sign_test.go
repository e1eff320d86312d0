package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sig, err := Sign("s3cret", "fp-1", []byte(`{"id":"abc"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	require.True(t, Verify("s3cret", "fp-1", []byte(`{"id":"abc"}`), sig))
}

func TestVerifyRejectsWrongFingerprint(t *testing.T) {
	sig, err := Sign("s3cret", "fp-1", []byte(`{"id":"abc"}`))
	require.NoError(t, err)

	require.False(t, Verify("s3cret", "fp-2", []byte(`{"id":"abc"}`), sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	sig, err := Sign("s3cret", "fp-1", []byte(`{"id":"abc"}`))
	require.NoError(t, err)

	require.False(t, Verify("s3cret", "fp-1", []byte(`{"id":"xyz"}`), sig))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	require.False(t, Verify("s3cret", "fp-1", []byte(`{"id":"abc"}`), "not-hex"))
}
