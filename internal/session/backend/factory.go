package backend

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/amoylab/sessiond/internal/common/cnst"
	"github.com/amoylab/sessiond/internal/common/config"
	perrors "github.com/amoylab/sessiond/pkg/errors"

	"go.uber.org/zap"
)

// rootNamespace names the records of the "/" context. QueryEscape never
// emits '@', so no other path maps to it.
const rootNamespace = "@root"

// Namespace maps a context path to the key segment that keeps its records
// apart from every other context sharing the same redis, table or directory
func Namespace(contextPath string) string {
	p := strings.Trim(strings.TrimSpace(contextPath), "/")
	if p == "" {
		return rootNamespace
	}
	return url.QueryEscape(p)
}

// New creates the backend of the context at contextPath. Contexts configured
// with the same store only ever see their own records; nodes serving the same
// context path share them.
func New(ctx context.Context, logger *zap.Logger, cfg config.StoreConfig, contextPath string) (Backend, error) {
	ns := Namespace(contextPath)
	logger.Info("Initializing session backend",
		zap.String("type", cfg.Type),
		zap.String("namespace", ns))

	switch cnst.StoreType(cfg.Type) {
	case cnst.StoreTypeMemory:
		return NewMemory(), nil
	case cnst.StoreTypeRedis:
		rc := cfg.Redis
		rc.Prefix = rc.Prefix + ":" + ns
		if rc.Topic != "" {
			rc.Topic = rc.Topic + ":" + ns
		}
		return NewRedis(ctx, logger, rc)
	case cnst.StoreTypeDB:
		return NewDB(logger, &cfg.Database, contextPath)
	case cnst.StoreTypeDisk:
		return NewDisk(logger, filepath.Join(cfg.Disk.Path, ns))
	default:
		return nil, perrors.ErrUnsupportedStoreType(cfg.Type)
	}
}
