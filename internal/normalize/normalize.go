// Package normalize maps the channel-list payload shapes served by known
// portal dialects onto the canonical channel record. One polymorphic pass
// handles every dialect; callers never branch on server type.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/magbridge/magbridge/internal/catalog"
)

var (
	// ErrUnrecognizedFormat means the payload matched none of the known
	// channel-list shapes. Surfaced, never papered over with demo data.
	ErrUnrecognizedFormat = errors.New("unrecognized channel list format")
	// ErrEmptyCatalog means the shape matched but carried zero channels.
	ErrEmptyCatalog = errors.New("empty catalog")
)

// rawEntry collects every field name any known dialect uses. Id-ish fields
// arrive as numbers or strings depending on the server, hence any.
type rawEntry struct {
	ID                any    `json:"id"`
	StreamID          any    `json:"stream_id"`
	Num               any    `json:"num"`
	Number            any    `json:"number"`
	ChannelNumber     any    `json:"channel_number"`
	Name              string `json:"name"`
	Title             string `json:"title"`
	StreamDisplayName string `json:"stream_display_name"`
	CategoryName      string `json:"category_name"`
	Category          any    `json:"category"`
	CategoryID        any    `json:"category_id"`
	GroupTitle        string `json:"group_title"`
	Group             string `json:"group"`
	Logo              string `json:"logo"`
	LogoURL           string `json:"logo_url"`
	StreamIcon        string `json:"stream_icon"`
	Icon              string `json:"icon"`
	Cmd               string `json:"cmd"`
	StreamURL         string `json:"stream_url"`
	URL               string `json:"url"`
}

// Channels normalizes a raw JSON channel-list payload of any known shape:
// top-level array, {data:[...]}, {channels:[...]}, the Stalker {js:{...}}
// envelope, Xtream {live_streams:[...]}/{live:[...]}, or an
// object-of-objects keyed by channel number.
func Channels(raw []byte) ([]catalog.Channel, error) {
	entries, err := extractEntries(raw)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyCatalog
	}
	channels := make([]catalog.Channel, 0, len(entries))
	for _, e := range entries {
		channels = append(channels, toChannel(e, len(channels)+1))
	}
	return channels, nil
}

func extractEntries(raw []byte) ([]rawEntry, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return decodeEntries(arr), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array or object", ErrUnrecognizedFormat)
	}

	// Stalker wraps everything in a js envelope; unwrap and retry.
	if inner, ok := obj["js"]; ok {
		return extractEntries(inner)
	}
	for _, key := range []string{"data", "channels", "live_streams", "live"} {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &arr); err != nil {
			return nil, fmt.Errorf("%w: %q is not an array", ErrUnrecognizedFormat, key)
		}
		return decodeEntries(arr), nil
	}

	// Xtream object-of-objects: every value is itself an object. Keys are
	// sorted numerically when possible so the sequence is deterministic.
	entries, ok := entriesFromObjectOfObjects(obj)
	if !ok {
		return nil, fmt.Errorf("%w: no known channel container key", ErrUnrecognizedFormat)
	}
	return entries, nil
}

func decodeEntries(arr []json.RawMessage) []rawEntry {
	out := make([]rawEntry, 0, len(arr))
	for _, m := range arr {
		var e rawEntry
		if json.Unmarshal(m, &e) != nil {
			continue // one bad entry never aborts the list
		}
		out = append(out, e)
	}
	return out
}

func entriesFromObjectOfObjects(obj map[string]json.RawMessage) ([]rawEntry, bool) {
	if len(obj) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		trimmed := strings.TrimSpace(string(v))
		if !strings.HasPrefix(trimmed, "{") {
			return nil, false
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	out := make([]rawEntry, 0, len(keys))
	for _, k := range keys {
		var e rawEntry
		if json.Unmarshal(obj[k], &e) != nil {
			continue
		}
		out = append(out, e)
	}
	return out, true
}

// toChannel applies the fixed per-attribute precedence chains.
func toChannel(e rawEntry, n int) catalog.Channel {
	ch := catalog.Channel{
		ID:      firstAny(e.ID, e.StreamID, e.Num),
		Name:    firstString(e.Name, e.Title, e.StreamDisplayName),
		Number:  firstAny(e.Num, e.Number, e.ChannelNumber),
		Group:   firstString(e.CategoryName, anyToString(e.Category), e.GroupTitle, e.Group),
		LogoURL: firstString(e.Logo, e.LogoURL, e.StreamIcon, e.Icon),
	}
	if ch.ID == "" {
		ch.ID = strconv.Itoa(n)
	}
	if ch.Name == "" {
		ch.Name = "Channel " + strconv.Itoa(n)
	}
	if ch.Group == "" {
		ch.Group = catalog.DefaultGroup
	}
	switch {
	case e.Cmd != "":
		ch.Stream = catalog.CommandRef(e.Cmd)
	case e.StreamURL != "":
		ch.Stream = catalog.DirectRef(e.StreamURL)
	case e.URL != "":
		ch.Stream = catalog.DirectRef(e.URL)
	default:
		// Only a stream id: an opaque reference the owning client (Xtream
		// or portal) must expand into a playable URL.
		ch.Stream = catalog.CommandRef(firstAny(e.StreamID, e.ID))
	}
	return ch
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstAny(vals ...any) string {
	for _, v := range vals {
		if s := anyToString(v); s != "" {
			return s
		}
	}
	return ""
}

// anyToString renders the number-or-string fields servers disagree about.
func anyToString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}
