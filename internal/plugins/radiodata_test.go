package plugins

import (
	"context"
	"testing"
)

func TestRadioDataFavoritesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rd, err := OpenRadioData(dir)
	if err != nil {
		t.Fatalf("OpenRadioData: %v", err)
	}

	if err := rd.AddFavorite("st-1"); err != nil {
		t.Fatalf("AddFavorite: %v", err)
	}
	if err := rd.AddFavorite("st-2"); err != nil {
		t.Fatalf("AddFavorite: %v", err)
	}
	if err := rd.AddFavorite("st-1"); err != nil {
		t.Fatalf("duplicate AddFavorite: %v", err)
	}
	if got := rd.Favorites(); len(got) != 2 || got[0] != "st-1" {
		t.Fatalf("favorites = %v, want [st-1 st-2]", got)
	}

	if err := rd.RemoveFavorite("st-1"); err != nil {
		t.Fatalf("RemoveFavorite: %v", err)
	}

	// Everything survives a reopen.
	rd2, err := OpenRadioData(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := rd2.Favorites(); len(got) != 1 || got[0] != "st-2" {
		t.Fatalf("favorites after reopen = %v, want [st-2]", got)
	}
}

func TestRadioDataCustomStationLookup(t *testing.T) {
	rd, err := OpenRadioData(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRadioData: %v", err)
	}

	st := Station{ID: "custom-1", Name: "Basement FM", StreamURL: "http://10.0.0.5:8000/live"}
	if err := rd.AddCustom(st); err != nil {
		t.Fatalf("AddCustom: %v", err)
	}

	got, err := rd.LookupStation(context.Background(), "custom-1")
	if err != nil {
		t.Fatalf("LookupStation: %v", err)
	}
	if got.StreamURL != st.StreamURL {
		t.Fatalf("stream url = %q, want %q", got.StreamURL, st.StreamURL)
	}

	if _, err := rd.LookupStation(context.Background(), "nope"); err == nil {
		t.Fatal("lookup of unknown station succeeded")
	}
}

func TestRadioDataBrokenFlag(t *testing.T) {
	dir := t.TempDir()
	rd, err := OpenRadioData(dir)
	if err != nil {
		t.Fatalf("OpenRadioData: %v", err)
	}
	if rd.IsBroken("st-9") {
		t.Fatal("station broken before being marked")
	}
	if err := rd.MarkBroken("st-9"); err != nil {
		t.Fatalf("MarkBroken: %v", err)
	}

	rd2, err := OpenRadioData(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !rd2.IsBroken("st-9") {
		t.Fatal("broken flag lost across reopen")
	}
}

func TestEpisodeLibraryLookup(t *testing.T) {
	dir := t.TempDir()
	lib, err := OpenEpisodeLibrary(dir)
	if err != nil {
		t.Fatalf("OpenEpisodeLibrary: %v", err)
	}
	ep := Episode{UUID: "ep-1", Title: "Pilot", AudioURL: "https://cdn.example/ep1.mp3", DurationS: 1800}
	if err := lib.Put(ep); err != nil {
		t.Fatalf("Put: %v", err)
	}

	lib2, err := OpenEpisodeLibrary(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := lib2.LookupEpisode(context.Background(), "ep-1")
	if err != nil {
		t.Fatalf("LookupEpisode: %v", err)
	}
	if got.Title != "Pilot" || got.DurationS != 1800 {
		t.Fatalf("episode = %+v", got)
	}
	if _, err := lib2.LookupEpisode(context.Background(), "ep-404"); err == nil {
		t.Fatal("lookup of unknown episode succeeded")
	}
}
