package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"botforge/internal/models"
)

const youtubeAPIURL = "https://www.googleapis.com/youtube/v3"

// youtubePollFloor keeps polling civil even when the API suggests a shorter
// interval; live chat quota drains fast.
const youtubePollFloor = 5 * time.Second

// YouTubeAdapter reads live chat by polling the liveChatMessages endpoint
// and writes through liveChatMessages.insert. There is no streaming API.
type YouTubeAdapter struct {
	logger *slog.Logger
	client *http.Client
	apiURL string
}

type YouTubeOption func(*YouTubeAdapter)

func WithYouTubeEndpoint(apiURL string) YouTubeOption {
	return func(a *YouTubeAdapter) { a.apiURL = apiURL }
}

func NewYouTubeAdapter(logger *slog.Logger, opts ...YouTubeOption) *YouTubeAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &YouTubeAdapter{
		logger: logger.With("component", "youtube"),
		client: &http.Client{Timeout: 15 * time.Second},
		apiURL: youtubeAPIURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *YouTubeAdapter) Platform() models.Platform { return models.PlatformYouTube }

func (a *YouTubeAdapter) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	session := &youtubeSession{adapter: a, params: params, done: make(chan struct{})}
	if err := session.resolveChat(ctx); err != nil {
		return nil, err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	go session.pollLoop(pollCtx)
	return session, nil
}

type youtubeSession struct {
	adapter *YouTubeAdapter
	params  ConnectParams
	cancel  context.CancelFunc

	liveChatID string
	videoID    string

	closeOnce sync.Once
	done      chan struct{}

	authorMu sync.Mutex
	authors  map[string]string
}

func (s *youtubeSession) get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := s.params.Token(ctx)
	if err != nil {
		return fmt.Errorf("youtube token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.adapter.apiURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.adapter.client.Do(req)
	if err != nil {
		return fmt.Errorf("youtube %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("youtube %s: %w", path, ErrAuthRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("youtube %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *youtubeSession) post(ctx context.Context, path string, query url.Values, payload any) error {
	token, err := s.params.Token(ctx)
	if err != nil {
		return fmt.Errorf("youtube token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.adapter.apiURL+path+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.adapter.client.Do(req)
	if err != nil {
		return fmt.Errorf("youtube %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("youtube %s: %w", path, ErrAuthRejected)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{RetryAfter: retryAfterDuration(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 300:
		return fmt.Errorf("youtube %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// resolveChat finds the tenant's active broadcast and its live chat id.
func (s *youtubeSession) resolveChat(ctx context.Context) error {
	var payload struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				LiveChatID string `json:"liveChatId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	query := url.Values{
		"part":            {"snippet"},
		"broadcastStatus": {"active"},
		"mine":            {"true"},
	}
	if err := s.get(ctx, "/liveBroadcasts", query, &payload); err != nil {
		return err
	}
	if len(payload.Items) == 0 || payload.Items[0].Snippet.LiveChatID == "" {
		return fmt.Errorf("no active youtube broadcast for %s", s.params.Channel)
	}
	s.videoID = payload.Items[0].ID
	s.liveChatID = payload.Items[0].Snippet.LiveChatID
	return nil
}

func (s *youtubeSession) pollLoop(ctx context.Context) {
	var pageToken string
	interval := youtubePollFloor
	// The first page returns history; skip it so old messages are not
	// replayed through the pipeline on every reconnect.
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		var payload struct {
			NextPageToken         string `json:"nextPageToken"`
			PollingIntervalMillis int    `json:"pollingIntervalMillis"`
			Items                 []struct {
				Snippet struct {
					DisplayMessage string    `json:"displayMessage"`
					PublishedAt    time.Time `json:"publishedAt"`
				} `json:"snippet"`
				AuthorDetails struct {
					ChannelID       string `json:"channelId"`
					DisplayName     string `json:"displayName"`
					IsChatOwner     bool   `json:"isChatOwner"`
					IsChatModerator bool   `json:"isChatModerator"`
					IsChatSponsor   bool   `json:"isChatSponsor"`
				} `json:"authorDetails"`
			} `json:"items"`
		}
		query := url.Values{
			"liveChatId": {s.liveChatID},
			"part":       {"snippet,authorDetails"},
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		if err := s.get(ctx, "/liveChat/messages", query, &payload); err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.params.Handler.OnDisconnect != nil {
				s.params.Handler.OnDisconnect(err)
			}
			return
		}
		pageToken = payload.NextPageToken
		if suggested := time.Duration(payload.PollingIntervalMillis) * time.Millisecond; suggested > youtubePollFloor {
			interval = suggested
		} else {
			interval = youtubePollFloor
		}
		if first {
			first = false
			continue
		}
		for _, item := range payload.Items {
			// Remember author channel ids; moderation calls are keyed by
			// display name and need the id.
			s.authorMu.Lock()
			if s.authors == nil {
				s.authors = make(map[string]string)
			}
			s.authors[item.AuthorDetails.DisplayName] = item.AuthorDetails.ChannelID
			s.authorMu.Unlock()
			if s.params.Handler.OnMessage == nil {
				continue
			}
			s.params.Handler.OnMessage(ChatMessage{
				Platform:    models.PlatformYouTube,
				Channel:     s.params.Channel,
				UserID:      item.AuthorDetails.ChannelID,
				Username:    item.AuthorDetails.DisplayName,
				DisplayName: item.AuthorDetails.DisplayName,
				Text:        item.Snippet.DisplayMessage,
				Tags: models.ChatTags{
					IsSubscriber:  item.AuthorDetails.IsChatSponsor,
					IsModerator:   item.AuthorDetails.IsChatModerator,
					IsBroadcaster: item.AuthorDetails.IsChatOwner,
				},
				At: item.Snippet.PublishedAt,
			})
		}
	}
}

func (s *youtubeSession) Send(ctx context.Context, text string) error {
	return s.post(ctx, "/liveChat/messages", url.Values{"part": {"snippet"}}, map[string]any{
		"snippet": map[string]any{
			"liveChatId": s.liveChatID,
			"type":       "textMessageEvent",
			"textMessageDetails": map[string]string{
				"messageText": text,
			},
		},
	})
}

// Timeout issues a temporary live chat ban for the given author.
func (s *youtubeSession) Timeout(ctx context.Context, username string, seconds int, _ string) error {
	channelID, err := s.authorChannelID(username)
	if err != nil {
		return err
	}
	return s.post(ctx, "/liveChat/bans", url.Values{"part": {"snippet"}}, map[string]any{
		"snippet": map[string]any{
			"liveChatId":         s.liveChatID,
			"type":               "temporary",
			"banDurationSeconds": seconds,
			"bannedUserDetails":  map[string]string{"channelId": channelID},
		},
	})
}

// Ban issues a permanent live chat ban for the given author.
func (s *youtubeSession) Ban(ctx context.Context, username string, _ string) error {
	channelID, err := s.authorChannelID(username)
	if err != nil {
		return err
	}
	return s.post(ctx, "/liveChat/bans", url.Values{"part": {"snippet"}}, map[string]any{
		"snippet": map[string]any{
			"liveChatId":        s.liveChatID,
			"type":              "permanent",
			"bannedUserDetails": map[string]string{"channelId": channelID},
		},
	})
}

func (s *youtubeSession) authorChannelID(username string) (string, error) {
	s.authorMu.Lock()
	defer s.authorMu.Unlock()
	channelID, ok := s.authors[username]
	if !ok {
		return "", fmt.Errorf("no channel id seen for author %q", username)
	}
	return channelID, nil
}

func (s *youtubeSession) ViewerCount(ctx context.Context) (int, error) {
	var payload struct {
		Items []struct {
			LiveStreamingDetails struct {
				ConcurrentViewers string `json:"concurrentViewers"`
			} `json:"liveStreamingDetails"`
		} `json:"items"`
	}
	query := url.Values{
		"part": {"liveStreamingDetails"},
		"id":   {s.videoID},
	}
	if err := s.get(ctx, "/videos", query, &payload); err != nil {
		return 0, err
	}
	if len(payload.Items) == 0 {
		return 0, nil
	}
	viewers, _ := strconv.Atoi(payload.Items[0].LiveStreamingDetails.ConcurrentViewers)
	return viewers, nil
}

func (s *youtubeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
