// Package push delivers mobile push notifications to device tokens.
package push

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// ErrTokenUnregistered means the provider rejected the token itself. The caller
// should stop using it.
var ErrTokenUnregistered = errors.New("push token unregistered or invalid")

// Message is one push to one device.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Gateway sends a single push message.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

const (
	minTokenLen = 32
	maxTokenLen = 4096
)

var tokenCharset = regexp.MustCompile(`^[A-Za-z0-9:_\-]+$`)

// ValidToken reports whether token looks like a device registration token.
func ValidToken(token string) bool {
	t := strings.TrimSpace(token)
	if len(t) < minTokenLen || len(t) > maxTokenLen {
		return false
	}
	return tokenCharset.MatchString(t)
}

// LogGateway only logs (local development).
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) error {
	g.logger.Info("logging push (development mode)",
		zap.String("token_suffix", tokenSuffix(msg.Token)),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data),
	)
	return nil
}

// tokenSuffix keeps full tokens out of logs.
func tokenSuffix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return "..." + token[len(token)-8:]
}
