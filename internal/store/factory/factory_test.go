package factory

import (
	"errors"
	"testing"

	"github.com/runbroker/runbroker/internal/errdefs"
	mem "github.com/runbroker/runbroker/internal/store/memory"
)

func TestFactoryDSNSelection(t *testing.T) {
	// Empty DSN -> error
	if _, err := NewAssetFromDSN("", false); !errors.Is(err, errdefs.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for empty DSN, got %v", err)
	}
	// postgres scheme -> postgres driver object (Close immediately; no connect performed by sql.Open)
	pg, err := NewAssetFromDSN("postgres://user@localhost/db", false)
	if err != nil || pg == nil {
		t.Fatalf("postgres dsn: err=%v obj=%T", err, pg)
	}
	_ = pg.Close()
	// sqlite scheme
	s1, err := NewAssetFromDSN("sqlite://:memory:", false)
	if err != nil || s1 == nil {
		t.Fatalf("sqlite scheme: err=%v obj=%T", err, s1)
	}
	_ = s1.Close()
	// bare path defaults to sqlite
	s2, err := NewAssetFromDSN(":memory:", false)
	if err != nil || s2 == nil {
		t.Fatalf("bare sqlite: err=%v obj=%T", err, s2)
	}
	_ = s2.Close()
	// mem scheme -> in-process store
	m, err := NewAssetFromDSN("mem://", true)
	if err != nil {
		t.Fatalf("mem dsn: %v", err)
	}
	if _, ok := m.(*mem.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", m)
	}
}
