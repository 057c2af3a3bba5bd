package clientnames

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromUserAgent(t *testing.T) {
	assert.Equal(t, "curl/8.5.0", FromUserAgent("curl/8.5.0 (x86_64-pc-linux-gnu)"))
	assert.Equal(t, "loadgen/1.2", FromUserAgent("  loadgen/1.2"))
	assert.Equal(t, "", FromUserAgent(""))
	assert.Len(t, FromUserAgent(strings.Repeat("x", 64)), 32)
}
