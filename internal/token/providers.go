package token

import (
	"fmt"

	"botforge/internal/models"

	"golang.org/x/oauth2"
)

// Provider is one platform's OAuth wiring.
type Provider struct {
	Platform models.Platform
	Config   oauth2.Config
}

// ProviderCredentials carries the operator-supplied client settings for one
// platform. Platforms without credentials are simply not connectable.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

var endpoints = map[models.Platform]oauth2.Endpoint{
	models.PlatformTwitch: {
		AuthURL:  "https://id.twitch.tv/oauth2/authorize",
		TokenURL: "https://id.twitch.tv/oauth2/token",
	},
	models.PlatformYouTube: {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
	models.PlatformKick: {
		AuthURL:  "https://id.kick.com/oauth/authorize",
		TokenURL: "https://id.kick.com/oauth/token",
	},
	models.PlatformSpotify: {
		AuthURL:  "https://accounts.spotify.com/authorize",
		TokenURL: "https://accounts.spotify.com/api/token",
	},
}

var scopes = map[models.Platform][]string{
	models.PlatformTwitch: {
		"chat:read", "chat:edit", "channel:moderate",
		"moderator:manage:banned_users", "moderator:manage:chat_messages",
	},
	models.PlatformYouTube: {
		"https://www.googleapis.com/auth/youtube.readonly",
		"https://www.googleapis.com/auth/youtube.force-ssl",
	},
	models.PlatformKick: {
		"user:read", "channel:read", "chat:write", "events:subscribe",
	},
	models.PlatformSpotify: {
		"user-read-currently-playing", "user-read-playback-state",
	},
}

// NewProvider builds a platform provider from operator credentials.
func NewProvider(platform models.Platform, creds ProviderCredentials) (Provider, error) {
	endpoint, ok := endpoints[platform]
	if !ok {
		return Provider{}, fmt.Errorf("no oauth endpoint for platform %q", platform)
	}
	if creds.ClientID == "" || creds.RedirectURI == "" {
		return Provider{}, fmt.Errorf("platform %s: client id and redirect uri are required", platform)
	}
	return Provider{
		Platform: platform,
		Config: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       scopes[platform],
		},
	}, nil
}
