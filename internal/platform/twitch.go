package platform

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"botforge/internal/models"
)

const (
	twitchIRCAddr  = "irc.chat.twitch.tv:6697"
	twitchHelixURL = "https://api.twitch.tv/helix"
)

// TwitchAdapter speaks Twitch chat over IRC-with-tags on TLS and uses the
// Helix API for viewer counts.
type TwitchAdapter struct {
	logger   *slog.Logger
	clientID string
	client   *http.Client
	ircAddr  string
	helixURL string
}

type TwitchOption func(*TwitchAdapter)

// WithTwitchEndpoints overrides the wire endpoints, used by tests.
func WithTwitchEndpoints(ircAddr, helixURL string) TwitchOption {
	return func(a *TwitchAdapter) {
		a.ircAddr = ircAddr
		a.helixURL = helixURL
	}
}

func NewTwitchAdapter(logger *slog.Logger, clientID string, opts ...TwitchOption) *TwitchAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &TwitchAdapter{
		logger:   logger.With("component", "twitch"),
		clientID: clientID,
		client:   &http.Client{Timeout: 10 * time.Second},
		ircAddr:  twitchIRCAddr,
		helixURL: twitchHelixURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TwitchAdapter) Platform() models.Platform { return models.PlatformTwitch }

func (a *TwitchAdapter) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	token, err := params.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("twitch token: %w", err)
	}
	dialer := &tls.Dialer{NetDialer: nil}
	conn, err := dialer.DialContext(ctx, "tcp", a.ircAddr)
	if err != nil {
		return nil, fmt.Errorf("dial twitch irc: %w", err)
	}

	session := &twitchSession{
		adapter: a,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		params:  params,
		token:   token,
		channel: "#" + strings.ToLower(strings.TrimPrefix(params.Channel, "#")),
		done:    make(chan struct{}),
	}
	if err := session.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go session.readLoop()
	return session, nil
}

type twitchSession struct {
	adapter *TwitchAdapter
	conn    interface {
		Write([]byte) (int, error)
		Close() error
	}
	reader  *bufio.Reader
	params  ConnectParams
	token   string
	channel string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	idMu    sync.Mutex
	userIDs map[string]string
}

func (s *twitchSession) handshake() error {
	lines := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"PASS oauth:" + s.token,
		"NICK " + strings.ToLower(s.params.BotUsername),
		"JOIN " + s.channel,
	}
	for _, line := range lines {
		if err := s.writeLine(line); err != nil {
			return fmt.Errorf("twitch handshake: %w", err)
		}
	}
	return nil
}

func (s *twitchSession) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}

func (s *twitchSession) readLoop() {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if s.params.Handler.OnDisconnect != nil {
				s.params.Handler.OnDisconnect(fmt.Errorf("twitch read: %w", err))
			}
			return
		}
		s.handleLine(strings.TrimRight(line, "\r\n"))
	}
}

func (s *twitchSession) handleLine(line string) {
	msg := parseIRCLine(line)
	switch msg.command {
	case "PING":
		_ = s.writeLine("PONG :" + msg.trailing)
	case "PRIVMSG":
		if s.params.Handler.OnMessage == nil {
			return
		}
		s.params.Handler.OnMessage(ChatMessage{
			Platform:    models.PlatformTwitch,
			Channel:     strings.TrimPrefix(s.channel, "#"),
			UserID:      msg.tags["user-id"],
			Username:    msg.nick(),
			DisplayName: firstNonEmpty(msg.tags["display-name"], msg.nick()),
			Text:        msg.trailing,
			Tags:        twitchTags(msg.tags),
			At:          time.Now().UTC(),
		})
	case "USERNOTICE":
		if msg.tags["msg-id"] != "raid" || s.params.Handler.OnRaid == nil {
			return
		}
		viewers, _ := strconv.Atoi(msg.tags["msg-param-viewerCount"])
		s.params.Handler.OnRaid(RaidEvent{
			Platform:    models.PlatformTwitch,
			FromChannel: firstNonEmpty(msg.tags["msg-param-login"], msg.tags["display-name"]),
			Viewers:     viewers,
			At:          time.Now().UTC(),
		})
	case "NOTICE":
		if strings.Contains(msg.trailing, "Login authentication failed") ||
			strings.Contains(msg.trailing, "Improperly formatted auth") {
			if s.params.Handler.OnDisconnect != nil {
				s.params.Handler.OnDisconnect(fmt.Errorf("twitch login: %w", ErrAuthRejected))
			}
		}
	case "RECONNECT":
		if s.params.Handler.OnDisconnect != nil {
			s.params.Handler.OnDisconnect(fmt.Errorf("twitch requested reconnect"))
		}
	}
}

func (s *twitchSession) Send(_ context.Context, text string) error {
	return s.writeLine("PRIVMSG " + s.channel + " :" + text)
}

// Timeout silences a viewer through the Helix bans endpoint.
func (s *twitchSession) Timeout(ctx context.Context, username string, seconds int, reason string) error {
	return s.moderate(ctx, username, seconds, reason)
}

// Ban removes a viewer permanently. Helix treats a ban as a timeout with no
// duration.
func (s *twitchSession) Ban(ctx context.Context, username string, reason string) error {
	return s.moderate(ctx, username, 0, reason)
}

func (s *twitchSession) moderate(ctx context.Context, username string, seconds int, reason string) error {
	broadcasterID, err := s.userID(ctx, strings.TrimPrefix(s.channel, "#"))
	if err != nil {
		return fmt.Errorf("resolve broadcaster: %w", err)
	}
	moderatorID, err := s.userID(ctx, strings.ToLower(s.params.BotUsername))
	if err != nil {
		return fmt.Errorf("resolve moderator: %w", err)
	}
	targetID, err := s.userID(ctx, username)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}

	data := map[string]any{"user_id": targetID, "reason": reason}
	if seconds > 0 {
		data["duration"] = seconds
	}
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return err
	}
	endpoint := s.adapter.helixURL + "/moderation/bans?broadcaster_id=" + url.QueryEscape(broadcasterID) +
		"&moderator_id=" + url.QueryEscape(moderatorID)
	resp, err := s.helixDo(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("helix moderation: %w", err)
	}
	resp.Body.Close()
	return nil
}

// userID resolves a login name to a Twitch user id, caching per session.
func (s *twitchSession) userID(ctx context.Context, login string) (string, error) {
	s.idMu.Lock()
	if id, ok := s.userIDs[login]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	resp, err := s.helixDo(ctx, http.MethodGet, s.adapter.helixURL+"/users?login="+url.QueryEscape(login), nil)
	if err != nil {
		return "", fmt.Errorf("helix users: %w", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode helix users: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", fmt.Errorf("twitch user %q not found", login)
	}
	s.idMu.Lock()
	if s.userIDs == nil {
		s.userIDs = make(map[string]string)
	}
	s.userIDs[login] = payload.Data[0].ID
	s.idMu.Unlock()
	return payload.Data[0].ID, nil
}

// helixDo performs one Helix call and classifies 401 and 429 responses. The
// caller owns the response body on a nil error.
func (s *twitchSession) helixDo(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	token, err := s.params.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("twitch token: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", s.adapter.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.adapter.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrAuthRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := retryAfterDuration(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, &ThrottleError{RetryAfter: retryAfter}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}

func (s *twitchSession) ViewerCount(ctx context.Context) (int, error) {
	endpoint := s.adapter.helixURL + "/streams?user_login=" + url.QueryEscape(strings.TrimPrefix(s.channel, "#"))
	resp, err := s.helixDo(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("helix streams: %w", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Data []struct {
			ViewerCount int `json:"viewer_count"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode helix response: %w", err)
	}
	if len(payload.Data) == 0 {
		return 0, nil
	}
	return payload.Data[0].ViewerCount, nil
}

func (s *twitchSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeLine("PART " + s.channel)
		err = s.conn.Close()
	})
	return err
}

// ircMessage is one parsed IRC line: @tags :prefix COMMAND params :trailing.
type ircMessage struct {
	tags     map[string]string
	prefix   string
	command  string
	params   []string
	trailing string
}

func (m ircMessage) nick() string {
	if idx := strings.IndexByte(m.prefix, '!'); idx > 0 {
		return m.prefix[:idx]
	}
	return m.prefix
}

func parseIRCLine(line string) ircMessage {
	msg := ircMessage{tags: map[string]string{}}

	if strings.HasPrefix(line, "@") {
		raw, rest, _ := strings.Cut(line[1:], " ")
		line = rest
		for _, pair := range strings.Split(raw, ";") {
			key, value, _ := strings.Cut(pair, "=")
			msg.tags[key] = unescapeIRCTag(value)
		}
	}
	if strings.HasPrefix(line, ":") {
		prefix, rest, _ := strings.Cut(line[1:], " ")
		msg.prefix = prefix
		line = rest
	}
	if before, after, found := strings.Cut(line, " :"); found {
		msg.trailing = after
		line = before
	}
	fields := strings.Fields(line)
	if len(fields) > 0 {
		msg.command = fields[0]
		msg.params = fields[1:]
	}
	return msg
}

// unescapeIRCTag reverses the IRCv3 tag value escaping.
func unescapeIRCTag(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' || i == len(value)-1 {
			b.WriteByte(value[i])
			continue
		}
		i++
		switch value[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func twitchTags(tags map[string]string) models.ChatTags {
	badges := map[string]bool{}
	for _, badge := range strings.Split(tags["badges"], ",") {
		if name, _, found := strings.Cut(badge, "/"); found {
			badges[name] = true
		}
	}
	return models.ChatTags{
		IsSubscriber:  tags["subscriber"] == "1" || badges["subscriber"] || badges["founder"],
		IsModerator:   tags["mod"] == "1" || badges["moderator"],
		IsBroadcaster: badges["broadcaster"],
		Badges:        badges,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
