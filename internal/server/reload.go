package server

import (
	"github.com/amoylab/sessiond/internal/common/config"

	"go.uber.org/zap"
)

// Reload applies the session timing of cfg to the running server: the
// inspection period and, for every context already registered, its max
// inactive interval, scavenge period and idle passivation period. Added or
// removed contexts and store changes need a restart and are only logged.
func (s *Server) Reload(cfg *config.SessiondConfig) {
	s.inspector.SetInterval(cfg.Session.InspectionPeriod)

	resolved := make(map[string]config.ResolvedContext, len(cfg.Contexts))
	for _, c := range cfg.Contexts {
		rc := c.Resolve(cfg.Session)
		resolved[rc.Path] = rc
	}

	for _, c := range s.Contexts() {
		rc, ok := resolved[c.Path]
		if !ok {
			s.logger.Warn("context removed from configuration, restart to apply", zap.String("context", c.Path))
			continue
		}
		delete(resolved, c.Path)

		c.Manager.SetMaxInactiveInterval(rc.MaxInactive)
		c.Store.SetIdlePassivationTimeout(rc.IdlePassivatePeriod)
		c.Store.SetExpiryTimeout(rc.ScavengePeriod)
		s.logger.Info("context reloaded",
			zap.String("context", c.Path),
			zap.Duration("max_inactive", rc.MaxInactive),
			zap.Duration("scavenge_period", rc.ScavengePeriod),
			zap.Duration("idle_passivate_period", rc.IdlePassivatePeriod))
	}
	for path := range resolved {
		s.logger.Warn("context added to configuration, restart to apply", zap.String("context", path))
	}
}
