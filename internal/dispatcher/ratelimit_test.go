package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/fdcore/dispatcher/internal/model"
)

func TestNewRateLimitersUnlimitedByDefault(t *testing.T) {
	hosts := map[string]*model.HostStatusEntry{
		"a": {HostAlias: "a"},
	}
	rl := NewRateLimiters(hosts)
	lim := rl.For("a")
	assert.Equal(t, rate.Inf, lim.Limit())
}

func TestNewRateLimitersAppliesConfiguredRate(t *testing.T) {
	hosts := map[string]*model.HostStatusEntry{
		"a": {HostAlias: "a", RateLimitBytesSec: 1000, BlockSize: 512},
	}
	rl := NewRateLimiters(hosts)
	lim := rl.For("a")
	assert.Equal(t, rate.Limit(1000), lim.Limit())
	assert.Equal(t, 512, lim.Burst())
}

func TestRecalculateReplacesLimiter(t *testing.T) {
	hosts := map[string]*model.HostStatusEntry{
		"a": {HostAlias: "a", RateLimitBytesSec: 1000, BlockSize: 512},
	}
	rl := NewRateLimiters(hosts)
	hosts["a"].RateLimitBytesSec = 2000
	rl.Recalculate("a", hosts["a"])
	assert.Equal(t, rate.Limit(2000), rl.For("a").Limit())
}

func TestForUnknownHostReturnsUnlimited(t *testing.T) {
	rl := NewRateLimiters(map[string]*model.HostStatusEntry{})
	assert.Equal(t, rate.Inf, rl.For("missing").Limit())
}
