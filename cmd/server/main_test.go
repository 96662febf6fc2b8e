package main

import (
	"testing"

	"botforge/internal/config"
	"botforge/internal/models"
)

func TestOpenRepositoryDefaultsToMemory(t *testing.T) {
	repo, closer, err := openRepository(config.Config{StorageDriver: "memory"})
	if err != nil {
		t.Fatalf("openRepository returned error: %v", err)
	}
	if repo == nil {
		t.Fatal("expected a repository")
	}
	if closer != nil {
		t.Fatal("memory store should not need a closer")
	}
}

func TestOpenRedisEmptyURL(t *testing.T) {
	client, err := openRedis("")
	if err != nil {
		t.Fatalf("openRedis returned error: %v", err)
	}
	if client != nil {
		t.Fatal("expected nil client when REDIS_URL is unset")
	}
}

func TestOpenRedisRejectsMalformedURL(t *testing.T) {
	if _, err := openRedis("://not-a-url"); err == nil {
		t.Fatal("expected error for malformed redis URL")
	}
}

func TestBuildProvidersSkipsUnconfigured(t *testing.T) {
	cfg := config.Config{
		OAuth: map[models.Platform]config.OAuthCredentials{
			models.PlatformTwitch: {
				ClientID:     "tw-id",
				ClientSecret: "tw-secret",
				RedirectURI:  "https://bot.example.com/auth/twitch/callback",
			},
		},
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		t.Fatalf("buildProviders returned error: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("expected one provider, got %d", len(providers))
	}
	if providers[0].Platform != models.PlatformTwitch {
		t.Fatalf("expected twitch provider, got %s", providers[0].Platform)
	}
	if providers[0].Config.ClientID != "tw-id" {
		t.Fatalf("unexpected client id %q", providers[0].Config.ClientID)
	}
	if providers[0].Config.Endpoint.AuthURL == "" {
		t.Fatal("expected provider endpoint to be populated")
	}
}

func TestBuildProvidersRejectsIncompleteCredentials(t *testing.T) {
	cfg := config.Config{
		OAuth: map[models.Platform]config.OAuthCredentials{
			models.PlatformKick: {ClientID: "kick-id"},
		},
	}

	if _, err := buildProviders(cfg); err == nil {
		t.Fatal("expected error for credentials missing a redirect URI")
	}
}
