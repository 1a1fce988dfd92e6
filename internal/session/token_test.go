package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"full token", "SESSIONID=abc123.node1;Path=/", "abc123"},
		{"plain id", "abc123", "abc123"},
		{"suffix only", "abc123.node1", "abc123"},
		{"attributes only", "abc123; Path=/; HttpOnly", "abc123"},
		{"whitespace", "  SESSIONID=abc123  ", "abc123"},
		{"empty", "", ""},
		{"blank", "   ", ""},
		{"no id before attributes", ";Path=/", ""},
		{"no id before suffix", "SESSIONID=.node1", ""},
		{"other name kept", "OTHER=abc123", "OTHER=abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSessionID("SESSIONID", tt.token))
		})
	}
}

func TestSplitToken_Suffix(t *testing.T) {
	id, suffix := splitToken("SESSIONID", "SESSIONID=abc123.node1.extra;Path=/")
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "node1.extra", suffix)

	id, suffix = splitToken("SESSIONID", "abc123")
	assert.Equal(t, "abc123", id)
	assert.Empty(t, suffix)
}
