// Package catalog holds the canonical channel model and the in-memory
// catalogue produced by playlist parsing, JSON normalization, and portal
// sessions. The catalogue is replaced wholesale on refresh; the derived
// group index is recomputed on every replace so it can never drift from
// the channel list.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StreamKind says whether a channel's stream reference is already playable
// or must be exchanged for a URL via the portal's create_link action.
type StreamKind string

const (
	// StreamDirect is a URL that can be handed to a player as-is
	// (possibly after transport resolution).
	StreamDirect StreamKind = "direct"
	// StreamCommand is an opaque portal command (e.g. "ffmpeg http://...")
	// that only the owning portal session can turn into a playable URL.
	StreamCommand StreamKind = "command"
)

// StreamRef is a channel's stream reference together with its kind.
// Callers must never treat a StreamCommand value as a fetchable URL.
type StreamRef struct {
	Kind  StreamKind `json:"kind"`
	Value string     `json:"value"`
}

// DirectRef returns a StreamRef for an already-playable URL.
func DirectRef(url string) StreamRef { return StreamRef{Kind: StreamDirect, Value: url} }

// CommandRef returns a StreamRef for an opaque portal command.
func CommandRef(cmd string) StreamRef { return StreamRef{Kind: StreamCommand, Value: cmd} }

// Channel is the canonical channel record. Every acquisition path (M3U,
// JSON normalization, Stalker, Xtream) produces this shape.
type Channel struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`             // never empty; synthesized when the source lacks one
	Number     string    `json:"number,omitempty"` // display ordering key, may be non-numeric
	Group      string    `json:"group"`
	LogoURL    string    `json:"logo_url,omitempty"`
	Stream     StreamRef `json:"stream"`
	IsFavorite bool      `json:"is_favorite,omitempty"` // caller-owned; preserved across Replace, never set by the engine
}

// DefaultGroup is assigned when a source carries no category label.
const DefaultGroup = "General"

// Catalogue is an ordered sequence of channels unique by ID, with a derived
// group → channel-ids index in group insertion order.
type Catalogue struct {
	mu       sync.RWMutex
	channels []Channel
	byID     map[string]int
	groups   *orderedmap.OrderedMap[string, []string]
}

// New returns an empty catalogue.
func New() *Catalogue {
	return &Catalogue{
		byID:   make(map[string]int),
		groups: orderedmap.New[string, []string](),
	}
}

// Replace swaps in a new channel list wholesale. Duplicate IDs keep the
// first occurrence. IsFavorite flags from the previous catalogue are carried
// over by ID; everything else comes from the new list. The group index is
// rebuilt from scratch.
func (c *Catalogue) Replace(channels []Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevFav := make(map[string]bool, len(c.channels))
	for _, ch := range c.channels {
		if ch.IsFavorite {
			prevFav[ch.ID] = true
		}
	}

	c.channels = c.channels[:0]
	c.byID = make(map[string]int, len(channels))
	c.groups = orderedmap.New[string, []string]()
	for _, ch := range channels {
		if _, dup := c.byID[ch.ID]; dup {
			continue
		}
		if prevFav[ch.ID] {
			ch.IsFavorite = true
		}
		c.byID[ch.ID] = len(c.channels)
		c.channels = append(c.channels, ch)
		c.indexGroupLocked(ch)
	}
}

func (c *Catalogue) indexGroupLocked(ch Channel) {
	group := ch.Group
	if group == "" {
		group = DefaultGroup
	}
	ids, _ := c.groups.Get(group)
	c.groups.Set(group, append(ids, ch.ID))
}

// Channels returns a copy of the catalogue in order.
func (c *Catalogue) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Get returns the channel with the given ID.
func (c *Catalogue) Get(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return Channel{}, false
	}
	return c.channels[i], true
}

// Len returns the number of channels.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// Groups returns group names in first-seen order.
func (c *Catalogue) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.groups.Len())
	for pair := c.groups.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// GroupChannels returns the channels of one group in catalogue order.
func (c *Catalogue) GroupChannels(group string) []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.groups.Get(group)
	if !ok {
		return nil
	}
	out := make([]Channel, 0, len(ids))
	for _, id := range ids {
		if i, ok := c.byID[id]; ok {
			out = append(out, c.channels[i])
		}
	}
	return out
}

// SetFavorite sets the caller-owned favorite flag on a channel.
// The engine itself never calls this; it only preserves the flag on Replace.
func (c *Catalogue) SetFavorite(id string, fav bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byID[id]
	if !ok {
		return false
	}
	c.channels[i].IsFavorite = fav
	return true
}

// SetStream updates a channel's stream reference in place, used when a
// portal command has been exchanged for a direct URL.
func (c *Catalogue) SetStream(id string, ref StreamRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byID[id]
	if !ok {
		return false
	}
	c.channels[i].Stream = ref
	return true
}

// Save writes the catalogue to path as JSON using temp-file-then-rename so
// readers never see a partially-written file.
func (c *Catalogue) Save(path string) error {
	data, err := json.MarshalIndent(struct {
		Channels []Channel `json:"channels"`
	}{c.Channels()}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalogue-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalogue save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalogue save: write: %w", writeErr)
		}
		return fmt.Errorf("catalogue save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalogue save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalogue save: rename: %w", err)
	}
	return nil
}

// Load replaces the catalogue with the contents of path (JSON written by Save).
func (c *Catalogue) Load(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var out struct {
		Channels []Channel `json:"channels"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	c.Replace(out.Channels)
	return nil
}
