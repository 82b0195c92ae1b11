package devicecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

func TestInitializeStartsFreshWhenAbsent(t *testing.T) {
	c, err := Initialize(t.TempDir(), "dev-uuid")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, ok := c.Get("a.epub"); ok {
		t.Error("expected empty cache")
	}
}

func TestUpdatePreservesUUIDWhenIncomingEmpty(t *testing.T) {
	c, _ := Initialize(t.TempDir(), "dev-uuid")
	c.Update(calibre.BookMetadata{Lpath: "a.epub", UUID: "uuid-1", Title: "A"})

	c.Update(calibre.BookMetadata{Lpath: "a.epub", UUID: "", Title: "A updated"})

	got, ok := c.Get("a.epub")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if got.UUID != "uuid-1" {
		t.Errorf("uuid = %q, want preserved %q", got.UUID, "uuid-1")
	}
	if got.Title != "A updated" {
		t.Errorf("title = %q, want update applied", got.Title)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Initialize(dir, "dev-uuid")
	if err != nil {
		t.Fatal(err)
	}
	c.Update(calibre.BookMetadata{Lpath: "a.epub", UUID: "uuid-1"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "calibre_cache_dev-uuid.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file to exist: %v", err)
	}

	c2, err := Initialize(dir, "dev-uuid")
	if err != nil {
		t.Fatal(err)
	}
	uuid, ok := c2.GetUUID("a.epub")
	if !ok || uuid != "uuid-1" {
		t.Errorf("GetUUID after reload = %q, %v; want uuid-1, true", uuid, ok)
	}
}

func TestSavePurgesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	c, _ := Initialize(dir, "dev-uuid")
	c.Update(calibre.BookMetadata{Lpath: "old.epub", UUID: "uuid-old"})
	c.entries["old.epub"] = entry{
		Book:     c.entries["old.epub"].Book,
		LastUsed: time.Now().Add(-40 * 24 * time.Hour).UTC().Format(time.RFC3339),
	}
	c.dirty = true
	c.Update(calibre.BookMetadata{Lpath: "new.epub", UUID: "uuid-new"})

	if err := c.Save(); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("old.epub"); ok {
		t.Error("expected stale entry to be purged")
	}
	if _, ok := c.Get("new.epub"); !ok {
		t.Error("expected fresh entry to survive purge")
	}
}

func TestRemove(t *testing.T) {
	c, _ := Initialize(t.TempDir(), "dev-uuid")
	c.Update(calibre.BookMetadata{Lpath: "a.epub", UUID: "uuid-1"})
	c.Remove("a.epub")
	if _, ok := c.Get("a.epub"); ok {
		t.Error("expected entry removed")
	}
}
