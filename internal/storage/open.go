package storage

import (
	"errors"
	"strings"

	logx "datapipe/pkg/logx"
)

// Open initializes the configured store. A disabled driver yields a store
// whose calls fail with ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return Disabled(), nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// IsDisabled reports whether st is nil or the disabled store.
func IsDisabled(st Store) bool {
	if st == nil {
		return true
	}
	_, ok := st.(disabledStore)
	return ok
}
