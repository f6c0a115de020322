package push

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestValidToken(t *testing.T) {
	valid := strings.Repeat("a", 20) + ":APA91b_" + strings.Repeat("Z-9", 10)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"fcm_like", valid, true},
		{"surrounding_spaces", "  " + valid + "\n", true},
		{"too_short", strings.Repeat("a", 31), false},
		{"min_length", strings.Repeat("a", 32), true},
		{"max_length", strings.Repeat("b", 4096), true},
		{"too_long", strings.Repeat("b", 4097), false},
		{"bad_char", strings.Repeat("a", 40) + "/", false},
		{"inner_space", strings.Repeat("a", 20) + " " + strings.Repeat("a", 20), false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidToken(tt.token))
		})
	}
}

func TestLogGateway_Send(t *testing.T) {
	g := NewLogGateway(zap.NewNop())
	err := g.Send(context.Background(), Message{Token: "short", Title: "t", Body: "b"})
	assert.NoError(t, err)
}

func TestTokenSuffix(t *testing.T) {
	assert.Equal(t, "abc", tokenSuffix("abc"))
	assert.Equal(t, "...12345678", tokenSuffix("xxxxxxxx12345678"))
}
