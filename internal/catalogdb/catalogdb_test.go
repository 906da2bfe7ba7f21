package catalogdb

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/magbridge/magbridge/internal/catalog"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLatest(t *testing.T) {
	s := openTemp(t)
	channels := []catalog.Channel{
		{ID: "1", Name: "One", Group: "News", Stream: catalog.DirectRef("http://x/1.m3u8")},
		{ID: "2", Name: "Two", Group: "Sport", Stream: catalog.CommandRef("ch-2")},
	}
	if err := s.Save("http://portal/c/", channels); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ts, err := s.Latest("http://portal/c/")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ts.IsZero() {
		t.Error("timestamp not recorded")
	}
	if len(got) != 2 || got[0].Name != "One" || got[1].Stream.Kind != catalog.StreamCommand {
		t.Errorf("got %+v", got)
	}
}

func TestLatest_newestWins(t *testing.T) {
	s := openTemp(t)
	s.Save("src", []catalog.Channel{{ID: "1", Name: "Old"}})
	s.Save("src", []catalog.Channel{{ID: "1", Name: "New"}})

	got, _, err := s.Latest("src")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "New" {
		t.Errorf("got %+v", got)
	}
}

func TestLatest_noSnapshot(t *testing.T) {
	s := openTemp(t)
	_, _, err := s.Latest("never-seen")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestPrune(t *testing.T) {
	s := openTemp(t)
	for i := 0; i < 5; i++ {
		s.Save("src", []catalog.Channel{{ID: "1", Name: "Snap"}})
	}
	if err := s.Prune("src", 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE source = 'src'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("remaining snapshots = %d, want 2", n)
	}
}
