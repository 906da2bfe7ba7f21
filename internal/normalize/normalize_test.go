package normalize

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/magbridge/magbridge/internal/catalog"
)

const entriesJSON = `[
	{"id": 10, "name": "BBC One", "num": 1, "category_name": "News", "logo": "http://x/bbc.png", "cmd": "ffmpeg http://portal/ch/10"},
	{"stream_id": 20, "title": "ESPN", "number": "2", "group": "Sports", "stream_icon": "http://x/espn.png", "stream_url": "http://x/espn.m3u8"}
]`

func TestChannels_shapeInvariance(t *testing.T) {
	shapes := map[string]string{
		"array":        entriesJSON,
		"data":         fmt.Sprintf(`{"data": %s}`, entriesJSON),
		"channels":     fmt.Sprintf(`{"channels": %s}`, entriesJSON),
		"live_streams": fmt.Sprintf(`{"live_streams": %s}`, entriesJSON),
		"js envelope":  fmt.Sprintf(`{"js": {"data": %s}}`, entriesJSON),
	}

	var want []catalog.Channel
	for name, raw := range shapes {
		got, err := Channels([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if want == nil {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: sequence differs:\n got %+v\nwant %+v", name, got, want)
		}
	}

	if want[0].ID != "10" || want[0].Name != "BBC One" || want[0].Group != "News" {
		t.Errorf("first channel = %+v", want[0])
	}
	if want[0].Stream.Kind != catalog.StreamCommand {
		t.Errorf("cmd entry must be a portal command, got %+v", want[0].Stream)
	}
	if want[1].Stream != catalog.DirectRef("http://x/espn.m3u8") {
		t.Errorf("stream_url entry must be direct, got %+v", want[1].Stream)
	}
	if want[1].Number != "2" {
		t.Errorf("number = %q, want \"2\"", want[1].Number)
	}
}

func TestChannels_objectOfObjects(t *testing.T) {
	raw := `{
		"2": {"stream_id": 2, "name": "Second"},
		"10": {"stream_id": 10, "name": "Tenth"},
		"1": {"stream_id": 1, "name": "First"}
	}`
	got, err := Channels([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	names := []string{got[0].Name, got[1].Name, got[2].Name}
	if !reflect.DeepEqual(names, []string{"First", "Second", "Tenth"}) {
		t.Errorf("numeric key order not applied: %v", names)
	}
	if got[2].Stream.Kind != catalog.StreamCommand || got[2].Stream.Value != "10" {
		t.Errorf("id-only entry should carry an opaque reference, got %+v", got[2].Stream)
	}
}

func TestChannels_fieldPrecedence(t *testing.T) {
	raw := `[{"name": "Name Wins", "title": "Title", "stream_display_name": "Display", "url": "http://x/u"}]`
	got, err := Channels([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Name != "Name Wins" {
		t.Errorf("name precedence broken: %q", got[0].Name)
	}

	raw = `[{"stream_display_name": "Display Only", "url": "http://x/u"}]`
	got, err = Channels([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Name != "Display Only" {
		t.Errorf("stream_display_name fallback broken: %q", got[0].Name)
	}

	raw = `[{"url": "http://x/u"}]`
	got, err = Channels([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Name != "Channel 1" {
		t.Errorf("synthesized name = %q", got[0].Name)
	}
	if got[0].Group != catalog.DefaultGroup {
		t.Errorf("default group = %q", got[0].Group)
	}
}

func TestChannels_unrecognizedFormat(t *testing.T) {
	for _, raw := range []string{`"just a string"`, `42`, `{"profile": {"id": 1}, "version": "5.3"}`, `not json at all`} {
		_, err := Channels([]byte(raw))
		if !errors.Is(err, ErrUnrecognizedFormat) {
			t.Errorf("Channels(%q) err = %v, want ErrUnrecognizedFormat", raw, err)
		}
	}
}

func TestChannels_emptyCatalog(t *testing.T) {
	for _, raw := range []string{`[]`, `{"data": []}`, `{"channels": []}`, `{"js": {"data": []}}`} {
		_, err := Channels([]byte(raw))
		if !errors.Is(err, ErrEmptyCatalog) {
			t.Errorf("Channels(%q) err = %v, want ErrEmptyCatalog", raw, err)
		}
	}
}
