// Package stats computes session analytics from the repository's stream
// session projections. It is read-only: the worker writes snapshots and
// activity rows, stats turns them into summaries for the control plane.
package stats

import (
	"fmt"
	"time"

	"botforge/internal/models"
	"botforge/internal/storage"
)

// SessionSummary is one stream session with its derived figures.
type SessionSummary struct {
	Session           models.StreamSession `json:"session"`
	Live              bool                 `json:"live"`
	Duration          time.Duration        `json:"-"`
	DurationSeconds   int64                `json:"durationSeconds"`
	AvgViewers        float64              `json:"avgViewers"`
	MessagesPerMinute float64              `json:"messagesPerMinute"`
}

type Service struct {
	repo storage.Repository
	now  func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo storage.Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionSummary summarises one session by id.
func (s *Service) SessionSummary(id string) (SessionSummary, error) {
	session, ok := s.repo.GetStreamSession(id)
	if !ok {
		return SessionSummary{}, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return s.summarise(session), nil
}

// TenantSessions returns summaries for a tenant's sessions, newest first.
func (s *Service) TenantSessions(tenantID string, limit int) []SessionSummary {
	sessions := s.repo.ListStreamSessions(tenantID, limit)
	out := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, s.summarise(session))
	}
	return out
}

// CurrentSession summarises the open session for (tenant, platform), if any.
func (s *Service) CurrentSession(tenantID string, platform models.Platform) (SessionSummary, bool) {
	session, ok := s.repo.OpenStreamSession(tenantID, platform)
	if !ok {
		return SessionSummary{}, false
	}
	return s.summarise(session), true
}

func (s *Service) summarise(session models.StreamSession) SessionSummary {
	end := s.now()
	live := session.EndedAt == nil
	if !live {
		end = *session.EndedAt
	}
	duration := end.Sub(session.StartedAt)
	if duration < 0 {
		duration = 0
	}

	var avg float64
	if snapshots := s.repo.ListViewerSnapshots(session.ID); len(snapshots) > 0 {
		total := 0
		for _, snap := range snapshots {
			total += snap.ViewerCount
		}
		avg = float64(total) / float64(len(snapshots))
	}

	var perMinute float64
	if minutes := duration.Minutes(); minutes > 0 {
		perMinute = float64(session.TotalMessages) / minutes
	}

	return SessionSummary{
		Session:           session,
		Live:              live,
		Duration:          duration,
		DurationSeconds:   int64(duration.Seconds()),
		AvgViewers:        avg,
		MessagesPerMinute: perMinute,
	}
}
