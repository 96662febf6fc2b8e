package platform

import (
	"context"
	"errors"
	"sync"

	"botforge/internal/models"
)

// FakeAdapter is an in-memory Adapter for tests and local development.
// Inbound traffic is injected with Inject*; outbound sends accumulate in
// Sent.
type FakeAdapter struct {
	platform models.Platform

	mu       sync.Mutex
	sessions []*FakeSession
	dialErr  error
}

func NewFakeAdapter(platform models.Platform) *FakeAdapter {
	return &FakeAdapter{platform: platform}
}

func (a *FakeAdapter) Platform() models.Platform { return a.platform }

// FailNextConnect makes the next Connect call return err.
func (a *FakeAdapter) FailNextConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialErr = err
}

func (a *FakeAdapter) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dialErr != nil {
		err := a.dialErr
		a.dialErr = nil
		return nil, err
	}
	if params.Token != nil {
		if _, err := params.Token(ctx); err != nil {
			return nil, err
		}
	}
	session := &FakeSession{adapter: a, params: params, viewers: 0}
	a.sessions = append(a.sessions, session)
	return session, nil
}

// Session returns the most recently opened session.
func (a *FakeAdapter) Session() *FakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

// ModerationCall records one Timeout or Ban issued on a FakeSession.
type ModerationCall struct {
	Action   string
	Username string
	Seconds  int
	Reason   string
}

type FakeSession struct {
	adapter *FakeAdapter
	params  ConnectParams

	mu          sync.Mutex
	sent        []string
	moderations []ModerationCall
	sendErr     error
	viewers     int
	closed      bool
}

// InjectMessage delivers a chat line as if it arrived from the network.
func (s *FakeSession) InjectMessage(msg ChatMessage) {
	msg.Platform = s.adapter.platform
	if s.params.Handler.OnMessage != nil {
		s.params.Handler.OnMessage(msg)
	}
}

// InjectRaid delivers a raid event.
func (s *FakeSession) InjectRaid(raid RaidEvent) {
	raid.Platform = s.adapter.platform
	if s.params.Handler.OnRaid != nil {
		s.params.Handler.OnRaid(raid)
	}
}

// Drop simulates the network closing the connection.
func (s *FakeSession) Drop(err error) {
	if s.params.Handler.OnDisconnect != nil {
		s.params.Handler.OnDisconnect(err)
	}
}

// FailSends makes subsequent Send calls return err; nil restores success.
func (s *FakeSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *FakeSession) SetViewers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers = n
}

// Sent returns a copy of every message sent on this session.
func (s *FakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *FakeSession) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *FakeSession) Timeout(_ context.Context, username string, seconds int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.moderations = append(s.moderations, ModerationCall{
		Action: "timeout", Username: username, Seconds: seconds, Reason: reason,
	})
	return nil
}

func (s *FakeSession) Ban(_ context.Context, username string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.moderations = append(s.moderations, ModerationCall{
		Action: "ban", Username: username, Reason: reason,
	})
	return nil
}

// Moderations returns a copy of every moderation call issued on this session.
func (s *FakeSession) Moderations() []ModerationCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ModerationCall(nil), s.moderations...)
}

func (s *FakeSession) ViewerCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers, nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
