package factory

import (
	"fmt"
	"strings"

	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/store"
	mem "github.com/runbroker/runbroker/internal/store/memory"
	pg "github.com/runbroker/runbroker/internal/store/postgres"
	sq "github.com/runbroker/runbroker/internal/store/sqlite"
)

// NewAssetFromDSN selects an asset store implementation based on DSN.
// Supported:
//   - memory:  "mem://"
//   - sqlite:  "sqlite://<path>", ":memory:" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewAssetFromDSN(dsn string, ignoreDuplicates bool) (store.AssetStore, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, fmt.Errorf("%w: empty store DSN", errdefs.ErrInvalidConfiguration)
	}
	if ld == "mem://" || ld == "mem" {
		return mem.New(ignoreDuplicates), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d, ignoreDuplicates)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"), ignoreDuplicates)
	}
	// default to sqlite path
	return sq.New(d, ignoreDuplicates)
}
