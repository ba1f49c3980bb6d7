package session

import (
	"time"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/counter"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/responsibles"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/vocabularies"
)

// Sources is what a session needs from the remote store.
type Sources interface {
	vocabularies.Source
	responsibles.Source
	counter.Source
}

// Session carries the read-shared, session-cached state. It is built once when a
// user session starts and handed to every component that needs it.
type Session struct {
	Scope        string
	Vocabularies vocabularies.Store
	Roster       responsibles.Roster
	Counter      counter.Counter

	sources    Sources
	counterTTL time.Duration
}

func New(scope string, sources Sources, counterTTL time.Duration) *Session {
	s := &Session{
		Scope:      scope,
		sources:    sources,
		counterTTL: counterTTL,
	}
	s.Invalidate()
	return s
}

// Invalidate drops everything cached so far, e.g. after the user switches school.
func (s *Session) Invalidate() {
	s.Vocabularies = vocabularies.New(s.sources)
	s.Roster = responsibles.New(s.sources)
	s.Counter = counter.New(s.sources, counter.WithTTL(s.counterTTL))
}

func (s *Session) SwitchScope(scope string) {
	s.Scope = scope
	s.Invalidate()
}
