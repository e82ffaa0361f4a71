package upstream

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMobileUserAgent(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		ua := mobileUserAgent(r)
		assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0 ("), ua)
		assert.Contains(t, ua, "Mobile")
		assert.NotContains(t, ua, "{", "unfilled template placeholder in %q", ua)
	}
}

func TestMobileUserAgentDeterministic(t *testing.T) {
	t.Parallel()

	a := mobileUserAgent(rand.New(rand.NewPCG(7, 7)))
	b := mobileUserAgent(rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, a, b)
}

func TestRandomMobileUserAgent(t *testing.T) {
	t.Parallel()

	ua := RandomMobileUserAgent()
	assert.Contains(t, ua, "Mobile")
}
