package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"botforge/internal/models"
)

const spotifyAPIURL = "https://api.spotify.com/v1"

// NowPlaying is the current track for a tenant's Spotify account.
type NowPlaying struct {
	Track   string
	Artists []string
	Playing bool
}

// String renders the track for chat output.
func (n NowPlaying) String() string {
	if !n.Playing || n.Track == "" {
		return "nothing playing right now"
	}
	if len(n.Artists) == 0 {
		return n.Track
	}
	return n.Track + " by " + strings.Join(n.Artists, ", ")
}

// SpotifyClient answers now-playing lookups. Spotify carries no chat; this
// client only backs the {song} style responses.
type SpotifyClient struct {
	logger *slog.Logger
	client *http.Client
	apiURL string
	token  TokenFunc
}

type SpotifyOption func(*SpotifyClient)

func WithSpotifyEndpoint(apiURL string) SpotifyOption {
	return func(c *SpotifyClient) { c.apiURL = apiURL }
}

func NewSpotifyClient(logger *slog.Logger, token TokenFunc, opts ...SpotifyOption) *SpotifyClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SpotifyClient{
		logger: logger.With("component", "spotify"),
		client: &http.Client{Timeout: 10 * time.Second},
		apiURL: spotifyAPIURL,
		token:  token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SpotifyClient) Platform() models.Platform { return models.PlatformSpotify }

// WithToken returns a copy of the client bound to a different token source.
// Workers use it to scope the shared client to their tenant's connection.
func (c *SpotifyClient) WithToken(token TokenFunc) *SpotifyClient {
	clone := *c
	clone.token = token
	return &clone
}

// CurrentTrack fetches what the tenant's account is playing right now.
func (c *SpotifyClient) CurrentTrack(ctx context.Context) (NowPlaying, error) {
	token, err := c.token(ctx)
	if err != nil {
		return NowPlaying{}, fmt.Errorf("spotify token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/me/player/currently-playing", nil)
	if err != nil {
		return NowPlaying{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return NowPlaying{}, fmt.Errorf("spotify currently-playing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return NowPlaying{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return NowPlaying{}, fmt.Errorf("spotify currently-playing: status %d", resp.StatusCode)
	}
	var payload struct {
		IsPlaying bool `json:"is_playing"`
		Item      struct {
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"item"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return NowPlaying{}, fmt.Errorf("decode spotify response: %w", err)
	}
	now := NowPlaying{Track: payload.Item.Name, Playing: payload.IsPlaying}
	for _, artist := range payload.Item.Artists {
		now.Artists = append(now.Artists, artist.Name)
	}
	return now, nil
}
