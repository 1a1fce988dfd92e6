package config

import (
	"strings"
	"time"

	"github.com/amoylab/sessiond/internal/common/cnst"
	perrors "github.com/amoylab/sessiond/pkg/errors"
)

// SetDefaults fills unset fields with the server-wide defaults
func SetDefaults(cfg *SessiondConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = cnst.DefaultShutdownTimeout
	}

	s := &cfg.Session
	if s.CookieName == "" {
		s.CookieName = cnst.DefaultCookieName
	}
	if s.MaxInactive == 0 {
		s.MaxInactive = cnst.DefaultMaxInactive
	}
	if s.ScavengePeriod == 0 {
		s.ScavengePeriod = cnst.DefaultScavengePeriod
	}
	if s.InspectionPeriod == 0 {
		s.InspectionPeriod = cnst.DefaultInspectionPeriod
	}
	if s.IdlePassivatePeriod == 0 {
		s.IdlePassivatePeriod = cnst.DefaultIdlePassivatePeriod
	}
	if s.InspectorConcurrency <= 0 {
		s.InspectorConcurrency = 1
	}
	setStoreDefaults(&s.Store)
	for i := range cfg.Contexts {
		if cfg.Contexts[i].Store != nil {
			setStoreDefaults(cfg.Contexts[i].Store)
		}
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = cnst.DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = cnst.DefaultMetricsNamespace
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "sessiond"
	}
}

func setStoreDefaults(s *StoreConfig) {
	if s.Type == "" {
		s.Type = cnst.StoreTypeMemory.String()
	}
	if s.Redis.Prefix == "" {
		s.Redis.Prefix = cnst.DefaultRedisPrefix
	}
	if s.Disk.Path == "" {
		s.Disk.Path = cnst.DefaultDiskPath
	}
}

// Validate performs configuration validation.
//
// Session periods are not range checked: at the server level a zero period
// means "use the default" and a negative one disables the policy; a context
// override of zero disables it too. A passivation period that is not shorter
// than the scavenge period is accepted, ordering the two is the caller's
// responsibility.
func Validate(cfg *SessiondConfig) error {
	s := cfg.Session
	if s.InspectionPeriod <= 0 {
		return perrors.ErrInvalidPeriod("inspection_period", s.InspectionPeriod)
	}
	if err := validateStore(&s.Store); err != nil {
		return err
	}

	paths := make(map[string]bool)
	for _, c := range cfg.Contexts {
		path := NormalizePath(c.Path)
		if paths[path] {
			return perrors.ErrDuplicateContextPath(path)
		}
		paths[path] = true
		if c.Store != nil {
			if err := validateStore(c.Store); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStore(s *StoreConfig) error {
	switch cnst.StoreType(s.Type) {
	case cnst.StoreTypeMemory, cnst.StoreTypeRedis, cnst.StoreTypeDisk:
		return nil
	case cnst.StoreTypeDB:
		switch cnst.DatabaseType(s.Database.Type) {
		case cnst.DatabaseTypeSQLite, cnst.DatabaseTypeMySQL, cnst.DatabaseTypePostgres:
			return nil
		}
		return perrors.ErrUnsupportedStoreType(s.Type + "/" + s.Database.Type)
	default:
		return perrors.ErrUnsupportedStoreType(s.Type)
	}
}

// Resolve merges the server-wide session defaults with the context overrides
func (c ContextConfig) Resolve(defaults SessionConfig) ResolvedContext {
	rc := ResolvedContext{
		Path:                NormalizePath(c.Path),
		MaxInactive:         defaults.MaxInactive,
		ScavengePeriod:      defaults.ScavengePeriod,
		IdlePassivatePeriod: defaults.IdlePassivatePeriod,
		Store:               defaults.Store,
	}
	if c.MaxInactive != nil {
		rc.MaxInactive = *c.MaxInactive
	}
	if c.ScavengePeriod != nil {
		rc.ScavengePeriod = *c.ScavengePeriod
	}
	if c.IdlePassivatePeriod != nil {
		rc.IdlePassivatePeriod = *c.IdlePassivatePeriod
	}
	if c.Store != nil {
		rc.Store = *c.Store
	}
	return rc
}

// ResolvedContext is a context configuration with every default applied
type ResolvedContext struct {
	Path                string
	MaxInactive         time.Duration
	ScavengePeriod      time.Duration
	IdlePassivatePeriod time.Duration
	Store               StoreConfig
}

// NormalizePath returns path with a single leading slash and no trailing one
func NormalizePath(path string) string {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	return path
}
