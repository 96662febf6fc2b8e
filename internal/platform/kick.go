package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"botforge/internal/models"

	"github.com/gorilla/websocket"
)

const (
	// Kick chat rides on a public Pusher websocket; sends go through the
	// REST API with the tenant's token.
	kickWSURL  = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"
	kickAPIURL = "https://kick.com/api/v2"
)

type KickAdapter struct {
	logger *slog.Logger
	client *http.Client
	wsURL  string
	apiURL string
}

type KickOption func(*KickAdapter)

func WithKickEndpoints(wsURL, apiURL string) KickOption {
	return func(a *KickAdapter) {
		a.wsURL = wsURL
		a.apiURL = apiURL
	}
}

func NewKickAdapter(logger *slog.Logger, opts ...KickOption) *KickAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &KickAdapter{
		logger: logger.With("component", "kick"),
		client: &http.Client{Timeout: 10 * time.Second},
		wsURL:  kickWSURL,
		apiURL: kickAPIURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *KickAdapter) Platform() models.Platform { return models.PlatformKick }

func (a *KickAdapter) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	if params.ChannelID == "" {
		return nil, fmt.Errorf("kick connect: chatroom id is required")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial kick websocket: %w", err)
	}
	session := &kickSession{adapter: a, conn: conn, params: params, done: make(chan struct{})}
	if err := session.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	go session.readLoop()
	return session, nil
}

type kickSession struct {
	adapter *KickAdapter
	conn    *websocket.Conn
	params  ConnectParams

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

type pusherFrame struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Channel string `json:"channel,omitempty"`
}

func (s *kickSession) subscribe() error {
	data, err := json.Marshal(map[string]string{
		"auth":    "",
		"channel": "chatrooms." + s.params.ChannelID + ".v2",
	})
	if err != nil {
		return err
	}
	return s.writeFrame(pusherFrame{Event: "pusher:subscribe", Data: string(data)})
}

func (s *kickSession) writeFrame(frame pusherFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *kickSession) readLoop() {
	for {
		var frame pusherFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if s.params.Handler.OnDisconnect != nil {
				s.params.Handler.OnDisconnect(fmt.Errorf("kick read: %w", err))
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *kickSession) handleFrame(frame pusherFrame) {
	switch frame.Event {
	case "pusher:ping":
		_ = s.writeFrame(pusherFrame{Event: "pusher:pong", Data: "{}"})
	case "App\\Events\\ChatMessageEvent":
		if s.params.Handler.OnMessage == nil {
			return
		}
		var payload struct {
			Content string `json:"content"`
			Sender  struct {
				ID       json.Number `json:"id"`
				Username string      `json:"username"`
				Identity struct {
					Badges []struct {
						Type string `json:"type"`
					} `json:"badges"`
				} `json:"identity"`
			} `json:"sender"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			s.adapter.logger.Debug("kick frame decode failed", "error", err)
			return
		}
		tags := models.ChatTags{Badges: map[string]bool{}}
		for _, badge := range payload.Sender.Identity.Badges {
			tags.Badges[badge.Type] = true
			switch badge.Type {
			case "subscriber", "founder":
				tags.IsSubscriber = true
			case "moderator":
				tags.IsModerator = true
			case "broadcaster":
				tags.IsBroadcaster = true
			}
		}
		at := payload.CreatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		s.params.Handler.OnMessage(ChatMessage{
			Platform:    models.PlatformKick,
			Channel:     s.params.Channel,
			UserID:      payload.Sender.ID.String(),
			Username:    payload.Sender.Username,
			DisplayName: payload.Sender.Username,
			Text:        payload.Content,
			Tags:        tags,
			At:          at,
		})
	case "App\\Events\\StreamHostEvent":
		if s.params.Handler.OnRaid == nil {
			return
		}
		var payload struct {
			HostUsername    string `json:"host_username"`
			NumberOfViewers int    `json:"number_viewers"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			return
		}
		s.params.Handler.OnRaid(RaidEvent{
			Platform:    models.PlatformKick,
			FromChannel: payload.HostUsername,
			Viewers:     payload.NumberOfViewers,
			At:          time.Now().UTC(),
		})
	}
}

func (s *kickSession) Send(ctx context.Context, text string) error {
	endpoint := s.adapter.apiURL + "/messages/send/" + s.params.ChannelID
	if err := s.post(ctx, endpoint, map[string]any{"content": text, "type": "message"}); err != nil {
		return fmt.Errorf("kick send: %w", err)
	}
	return nil
}

// Timeout bans a user for the given number of minutes, rounded up from
// seconds; Kick's API counts ban duration in minutes.
func (s *kickSession) Timeout(ctx context.Context, username string, seconds int, reason string) error {
	minutes := (seconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	endpoint := s.adapter.apiURL + "/channels/" + s.params.Channel + "/bans"
	err := s.post(ctx, endpoint, map[string]any{
		"banned_username": username,
		"duration":        minutes,
		"reason":          reason,
		"permanent":       false,
	})
	if err != nil {
		return fmt.Errorf("kick timeout: %w", err)
	}
	return nil
}

func (s *kickSession) Ban(ctx context.Context, username string, reason string) error {
	endpoint := s.adapter.apiURL + "/channels/" + s.params.Channel + "/bans"
	err := s.post(ctx, endpoint, map[string]any{
		"banned_username": username,
		"reason":          reason,
		"permanent":       true,
	})
	if err != nil {
		return fmt.Errorf("kick ban: %w", err)
	}
	return nil
}

func (s *kickSession) post(ctx context.Context, endpoint string, payload any) error {
	token, err := s.params.Token(ctx)
	if err != nil {
		return fmt.Errorf("kick token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.adapter.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{RetryAfter: retryAfterDuration(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 300:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (s *kickSession) ViewerCount(ctx context.Context) (int, error) {
	endpoint := s.adapter.apiURL + "/channels/" + s.params.Channel
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.adapter.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick channel lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("kick channel lookup: status %d", resp.StatusCode)
	}
	var payload struct {
		Livestream *struct {
			ViewerCount int `json:"viewer_count"`
		} `json:"livestream"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	if payload.Livestream == nil {
		return 0, nil
	}
	return payload.Livestream.ViewerCount, nil
}

func (s *kickSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
