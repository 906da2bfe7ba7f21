package playlist

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/magbridge/magbridge/internal/catalog"
)

func TestParse_singleChannel(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:-1 tvg-logo=\"http://x/l.png\" group-title=\"News\",BBC World\nhttp://x/bbc.m3u8\n"
	chs, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chs) != 1 {
		t.Fatalf("got %d channels, want 1", len(chs))
	}
	want := catalog.Channel{
		ID:      "1",
		Name:    "BBC World",
		Group:   "News",
		LogoURL: "http://x/l.png",
		Stream:  catalog.DirectRef("http://x/bbc.m3u8"),
	}
	if !reflect.DeepEqual(chs[0], want) {
		t.Errorf("channel = %+v, want %+v", chs[0], want)
	}
}

func TestParse_emptyInputs(t *testing.T) {
	for _, text := range []string{"", "#EXTM3U\n", "\n\n", "#EXTM3U\n#EXT-X-VERSION:3\n"} {
		chs, err := Parse(text)
		if err != nil {
			t.Errorf("Parse(%q) err = %v, want nil", text, err)
		}
		if len(chs) != 0 {
			t.Errorf("Parse(%q) = %d channels, want 0", text, len(chs))
		}
	}
}

func TestParse_bareURLSynthesizesName(t *testing.T) {
	chs, err := Parse("#EXTM3U\nhttp://x/a.m3u8\nhttp://x/b.m3u8\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(chs) != 2 {
		t.Fatalf("got %d channels, want 2", len(chs))
	}
	if chs[0].Name != "Channel 1" || chs[1].Name != "Channel 2" {
		t.Errorf("names = %q, %q", chs[0].Name, chs[1].Name)
	}
	if chs[1].Group != catalog.DefaultGroup {
		t.Errorf("group = %q, want %q", chs[1].Group, catalog.DefaultGroup)
	}
}

func TestParse_malformedEXTINFDoesNotAbort(t *testing.T) {
	text := strings.Join([]string{
		"#EXTM3U",
		"#EXTINF:-1 tvg-logo=\"x\"", // no trailing comma
		"http://x/one.ts",
		"#EXTINF:-1,Good Channel",
		"http://x/two.ts",
	}, "\n")
	chs, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chs) != 2 {
		t.Fatalf("got %d channels, want 2", len(chs))
	}
	if chs[0].Name != "Unknown Channel" {
		t.Errorf("malformed EXTINF name = %q, want \"Unknown Channel\"", chs[0].Name)
	}
	if chs[1].Name != "Good Channel" {
		t.Errorf("second channel = %q", chs[1].Name)
	}
}

func TestParse_noCommaIgnoresNameAttributes(t *testing.T) {
	// A missing top-level comma is malformed even when tvg-name/tvg-id are
	// present; only a blank title after an existing comma falls back to them.
	text := strings.Join([]string{
		"#EXTM3U",
		"#EXTINF:-1 tvg-name=\"BBC One\" tvg-id=\"bbc1.uk\"", // no comma
		"http://x/one.ts",
		"#EXTINF:-1 tvg-name=\"BBC Two\",", // comma, blank title
		"http://x/two.ts",
	}, "\n")
	chs, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chs) != 2 {
		t.Fatalf("got %d channels, want 2", len(chs))
	}
	if chs[0].Name != "Unknown Channel" {
		t.Errorf("no-comma name = %q, want \"Unknown Channel\"", chs[0].Name)
	}
	if chs[1].Name != "BBC Two" {
		t.Errorf("blank-title name = %q, want tvg-name fallback", chs[1].Name)
	}
}

func TestParse_extgrpAndExtimgStick(t *testing.T) {
	text := strings.Join([]string{
		"#EXTM3U",
		"#EXTGRP:Sports",
		"#EXTIMG:http://x/s.png",
		"#EXTINF:-1,ESPN",
		"http://x/espn.ts",
		"#EXTINF:-1 group-title=\"Movies\",HBO", // explicit attr wins
		"http://x/hbo.ts",
		"#EXTGRP:Kids",
		"#EXTINF:-1,Cartoons",
		"http://x/cart.ts",
	}, "\n")
	chs, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if chs[0].Group != "Sports" || chs[0].LogoURL != "http://x/s.png" {
		t.Errorf("EXTGRP/EXTIMG not applied: %+v", chs[0])
	}
	if chs[1].Group != "Movies" {
		t.Errorf("group-title should override EXTGRP, got %q", chs[1].Group)
	}
	if chs[2].Group != "Kids" {
		t.Errorf("redefined EXTGRP not applied, got %q", chs[2].Group)
	}
}

func TestParse_commaInsideAttributeValue(t *testing.T) {
	chs, err := Parse("#EXTINF:-1 group-title=\"US, East\",CNN\nhttp://x/cnn.ts\n")
	if err != nil {
		t.Fatal(err)
	}
	if chs[0].Name != "CNN" || chs[0].Group != "US, East" {
		t.Errorf("channel = %+v", chs[0])
	}
}

func TestParse_trailingEXTINFWithoutURLDropped(t *testing.T) {
	chs, err := Parse("#EXTINF:-1,First\nhttp://x/1.ts\n#EXTINF:-1,Dangling\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(chs) != 1 || chs[0].Name != "First" {
		t.Errorf("channels = %+v", chs)
	}
}

func TestParse_nonTextInput(t *testing.T) {
	_, err := Parse("#EXTM3U\n\x00\x01\x02binary")
	if !errors.Is(err, ErrMalformedPlaylist) {
		t.Errorf("err = %v, want ErrMalformedPlaylist", err)
	}
}

func TestSerialize_roundTrip(t *testing.T) {
	text := strings.Join([]string{
		"#EXTM3U",
		"#EXTINF:-1 tvg-chno=\"5\" tvg-logo=\"http://x/l.png\" group-title=\"News\",BBC World",
		"http://x/bbc.m3u8",
		"#EXTINF:-1,Plain",
		"http://x/plain.ts",
		"http://x/bare.ts",
	}, "\n")
	first, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Parse(Serialize(first))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("round-trip mismatch:\nfirst  %+v\nsecond %+v", first, second)
	}
}
