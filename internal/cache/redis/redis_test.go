package redis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNaming(t *testing.T) {
	assert.Equal(t, "polyhft:ratelimit:clob:orders", joinKey("polyhft", "ratelimit", "clob:orders"))
	assert.Equal(t, "events:executions", joinKey("", "events", "executions"))
	assert.Equal(t, "p:x", joinKey("p", "", "x"))

	bus := NewEventBus(&Client{prefix: "polyhft"}, 0)
	assert.Equal(t, "polyhft:events:rejections", bus.Channel("rejections"))
	assert.Equal(t, "polyhft:stream:rejections", bus.Stream("rejections"))
	assert.Equal(t, int64(10000), bus.maxLen)
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "ON", " yes "} {
		assert.True(t, truthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off"} {
		assert.False(t, truthy(v), v)
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.True(t, strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE"))
	assert.True(t, strings.Contains(slidingWindowLua, "ARGV[4]"))
}
