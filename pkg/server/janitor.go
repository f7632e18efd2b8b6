package server

import (
	"context"
	"time"
)

// runJanitor periodically removes expired sessions, auth codes, revoked
// token ids and idle rate limiters until ctx ends.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.now()
	sessions, err := s.store.CleanupExpiredAuthSessions(now)
	if err != nil {
		s.logger.Warn("cleanup expired sessions", "error", err)
	}
	codes, err := s.store.CleanupExpiredAuthCodes(now)
	if err != nil {
		s.logger.Warn("cleanup expired auth codes", "error", err)
	}
	revoked := s.tokens.CleanupRevoked(s.authn.SessionTTL())
	limiters := s.openLimiter.Prune(now.Add(-limiterIdleExpiry))

	if count, err := s.store.CountActiveAuthSessions(now); err == nil {
		s.metrics.WebSessions.Set(float64(count))
	}
	if sessions+codes > 0 || revoked+limiters > 0 {
		s.logger.Debug("janitor sweep",
			"sessions", sessions,
			"auth_codes", codes,
			"revoked_tokens", revoked,
			"limiters", limiters,
		)
	}
}
