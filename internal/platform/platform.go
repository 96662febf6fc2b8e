// Package platform holds the chat network adapters. Each adapter turns one
// network's wire protocol into the shared event and send contracts; nothing
// above this package knows IRC, Pusher frames, or liveChat paging.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"botforge/internal/models"
)

// ChatMessage is a normalised inbound chat line.
type ChatMessage struct {
	Platform    models.Platform
	Channel     string
	UserID      string
	Username    string
	DisplayName string
	Text        string
	Tags        models.ChatTags
	At          time.Time
}

// RaidEvent is an incoming raid or host notification.
type RaidEvent struct {
	Platform    models.Platform
	FromChannel string
	Viewers     int
	At          time.Time
}

// ErrAuthRejected signals the platform refused the bot's credentials, a 401
// or an invalid-token notice. Callers may refresh the token once; the failed
// call itself is not retried.
var ErrAuthRejected = errors.New("platform rejected credentials")

// ThrottleError signals the platform answered 429. RetryAfter is the
// server-requested hold, or zero when the response carried none.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// retryAfterDuration parses a Retry-After header value given in seconds.
func retryAfterDuration(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Handler receives adapter events. Callbacks run on the adapter's read
// goroutine; handlers must not block.
type Handler struct {
	OnMessage    func(ChatMessage)
	OnRaid       func(RaidEvent)
	OnDisconnect func(err error)
}

// TokenFunc returns a currently valid plaintext access token. Adapters call
// it per connection attempt, never caching the value.
type TokenFunc func(ctx context.Context) (string, error)

// ConnectParams carries everything an adapter needs to join one channel.
type ConnectParams struct {
	TenantID    string
	Channel     string
	ChannelID   string
	BotUsername string
	Token       TokenFunc
	Handler     Handler
}

// Session is one live connection to a channel.
type Session interface {
	// Send posts a chat message to the channel.
	Send(ctx context.Context, text string) error
	// Timeout silences a user for the given number of seconds.
	Timeout(ctx context.Context, username string, seconds int, reason string) error
	// Ban removes a user from the channel permanently.
	Ban(ctx context.Context, username string, reason string) error
	// ViewerCount reports current concurrent viewers, when the network
	// exposes them.
	ViewerCount(ctx context.Context) (int, error)
	// Close tears the connection down. Safe to call twice.
	Close() error
}

// Adapter dials sessions for one platform.
type Adapter interface {
	Platform() models.Platform
	Connect(ctx context.Context, params ConnectParams) (Session, error)
}
