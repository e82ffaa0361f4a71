package twofa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B vectors (SHA-1 key, truncated to 6 digits).
func TestCodeVectors(t *testing.T) {
	t.Parallel()

	// "12345678901234567890" in base32.
	const seed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}

	for _, tt := range tests {
		got, err := Code(seed, time.Unix(tt.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "t=%d", tt.unix)
	}
}

func TestCodeSeedNormalization(t *testing.T) {
	t.Parallel()

	at := time.Unix(59, 0)
	want, err := Code("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", at)
	require.NoError(t, err)

	// Lowercase, spaces and padding are all tolerated.
	got, err := Code("gezd gnbv gy3t qojq gezd gnbv gy3t qojq====", at)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCodeBadSeed(t *testing.T) {
	t.Parallel()

	_, err := Code("", time.Now())
	assert.Error(t, err)

	_, err = Code("not!base32", time.Now())
	assert.Error(t, err)

	assert.Error(t, ValidateSeed("1"))
	assert.NoError(t, ValidateSeed("JBSWY3DPEHPK3PXP"))
}
