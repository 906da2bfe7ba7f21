// Package playlist parses M3U/M3U8 text into canonical channel records and
// serializes a catalogue back to M3U. The parser is tolerant: one bad record
// never aborts the rest of the file.
package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/magbridge/magbridge/internal/catalog"
)

// ErrMalformedPlaylist is returned for structurally invalid input (binary or
// non-text data). A merely empty playlist is valid and yields an empty slice.
var ErrMalformedPlaylist = errors.New("malformed playlist")

const maxLineSize = 1 << 20 // 1 MiB per line

// pending holds metadata from an #EXTINF line until its URL line arrives.
type pending struct {
	name   string
	number string
	group  string
	logo   string
}

// Parse scans M3U text line by line. An #EXTINF line opens a pending record;
// the next non-comment, non-blank line is its URL. A bare URL with no
// preceding #EXTINF still yields a channel with a synthesized name.
// #EXTGRP:/#EXTIMG: set the group/logo for subsequent channels until
// redefined. Deterministic and side-effect free.
func Parse(text string) ([]catalog.Channel, error) {
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return nil, fmt.Errorf("%w: input is not text", ErrMalformedPlaylist)
	}

	var (
		channels []catalog.Channel
		cur      pending
		grp      string // sticky #EXTGRP override
		img      string // sticky #EXTIMG override
	)

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(nil, maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			cur = parseEXTINF(line)
		case strings.HasPrefix(line, "#EXTGRP:"):
			grp = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
		case strings.HasPrefix(line, "#EXTIMG:"):
			img = strings.TrimSpace(strings.TrimPrefix(line, "#EXTIMG:"))
		case strings.HasPrefix(line, "#"):
			// other directives (#EXTM3U, #EXT-X-*) carry nothing we need
		default:
			channels = append(channels, closeRecord(cur, line, grp, img, len(channels)+1))
			cur = pending{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlaylist, err)
	}
	// An #EXTINF at EOF with no URL is dropped, not an error.
	return channels, nil
}

// closeRecord turns a pending metadata record plus its URL line into a channel.
func closeRecord(cur pending, url, grp, img string, n int) catalog.Channel {
	ch := catalog.Channel{
		ID:      strconv.Itoa(n),
		Name:    cur.name,
		Number:  cur.number,
		Group:   cur.group,
		LogoURL: cur.logo,
		Stream:  catalog.DirectRef(url),
	}
	if ch.Name == "" {
		// bare URL line with no preceding #EXTINF
		ch.Name = "Channel " + strconv.Itoa(n)
	}
	if ch.Group == "" {
		ch.Group = grp
	}
	if ch.Group == "" {
		ch.Group = catalog.DefaultGroup
	}
	if ch.LogoURL == "" {
		ch.LogoURL = img
	}
	return ch
}

// parseEXTINF extracts duration, tvg attributes, and the trailing title from
// an #EXTINF line. A line with no top-level comma is malformed per se but
// still yields a record named "Unknown Channel".
func parseEXTINF(line string) pending {
	var p pending
	body := strings.TrimPrefix(line, "#EXTINF:")

	p.number = attr(body, "tvg-chno")
	p.group = attr(body, "group-title")
	p.logo = attr(body, "tvg-logo")

	// The attribute fallbacks apply only when the comma is present but the
	// title after it is blank; a line with no top-level comma at all is
	// malformed and gets the fixed placeholder name.
	if i := lastTopLevelComma(body); i >= 0 {
		p.name = strings.TrimSpace(body[i+1:])
		if p.name == "" {
			p.name = attr(body, "tvg-name")
		}
		if p.name == "" {
			p.name = attr(body, "tvg-id")
		}
	}
	if p.name == "" {
		p.name = "Unknown Channel"
	}
	return p
}

// lastTopLevelComma returns the index of the last comma outside double
// quotes, or -1. Attribute values may legally contain commas.
func lastTopLevelComma(s string) int {
	inQuote := false
	last := -1
	for i, r := range s {
		switch r {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				last = i
			}
		}
	}
	return last
}

// attr extracts key="value" from an EXTINF attribute list.
func attr(line, key string) string {
	prefix := key + `="`
	i := strings.Index(line, prefix)
	if i < 0 {
		return ""
	}
	i += len(prefix)
	j := strings.Index(line[i:], `"`)
	if j < 0 {
		return ""
	}
	return line[i : i+j]
}

// Serialize emits the catalogue as an M3U playlist carrying the fields the
// format can express. Parsing the result yields an equal channel sequence on
// those fields.
func Serialize(channels []catalog.Channel) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range channels {
		b.WriteString("#EXTINF:-1")
		if ch.Number != "" {
			fmt.Fprintf(&b, " tvg-chno=%q", ch.Number)
		}
		if ch.LogoURL != "" {
			fmt.Fprintf(&b, " tvg-logo=%q", ch.LogoURL)
		}
		if ch.Group != "" {
			fmt.Fprintf(&b, " group-title=%q", ch.Group)
		}
		b.WriteString(",")
		b.WriteString(ch.Name)
		b.WriteString("\n")
		b.WriteString(ch.Stream.Value)
		b.WriteString("\n")
	}
	return b.String()
}
