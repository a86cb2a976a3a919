// Package catalog resolves channel identifiers to upstream source URLs.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jamesnetherton/m3u"
	"gopkg.in/yaml.v3"
)

// Channel is one live channel the server can transcode.
type Channel struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Logo  string `json:"logo,omitempty" yaml:"logo"`
	Group string `json:"group,omitempty" yaml:"group"`
	URL   string `json:"-" yaml:"url"`
}

// ErrInvalidChannel is returned for catalog entries without an id or URL.
var ErrInvalidChannel = errors.New("invalid channel")

// Catalog is a concurrency-safe set of channels keyed by ID.
type Catalog struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// New returns a catalog holding channels. Later duplicates replace earlier ones.
func New(channels ...Channel) *Catalog {
	c := &Catalog{channels: make(map[string]Channel)}
	for _, ch := range channels {
		c.channels[ch.ID] = ch
	}
	return c
}

// Lookup returns the channel with the given id.
func (c *Catalog) Lookup(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// List returns all channels sorted by name, then id.
func (c *Catalog) List() []Channel {
	c.mu.RLock()
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of channels.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// Merge adds channels to the catalog, replacing entries with the same id.
func (c *Catalog) Merge(channels []Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch.ID] = ch
	}
}

type yamlFile struct {
	Channels []Channel `yaml:"channels"`
}

// LoadYAML reads a channel list of the form:
//
//	channels:
//	  - id: showtv
//	    name: Show TV
//	    url: https://example.com/showtv.m3u8
func LoadYAML(path string) ([]Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}
	for i, ch := range f.Channels {
		if ch.ID == "" || ch.URL == "" {
			return nil, fmt.Errorf("%w: entry %d needs id and url", ErrInvalidChannel, i)
		}
		if ch.Name == "" {
			f.Channels[i].Name = ch.ID
		}
	}
	return f.Channels, nil
}

// LoadM3U reads an extended M3U playlist from a file path or http(s) URL.
// The channel id is the tvg-id attribute when present, otherwise a slug of
// the track name; colliding ids get a numeric suffix.
func LoadM3U(source string) ([]Channel, error) {
	pl, err := m3u.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse m3u %s: %w", source, err)
	}

	seen := make(map[string]int)
	out := make([]Channel, 0, len(pl.Tracks))
	for _, tr := range pl.Tracks {
		uri := strings.TrimSpace(tr.URI)
		if uri == "" {
			continue
		}
		ch := Channel{Name: strings.TrimSpace(tr.Name), URL: uri}
		for _, tag := range tr.Tags {
			switch strings.ToLower(tag.Name) {
			case "tvg-id":
				ch.ID = strings.TrimSpace(tag.Value)
			case "tvg-name":
				if ch.Name == "" {
					ch.Name = tag.Value
				}
			case "tvg-logo":
				ch.Logo = tag.Value
			case "group-title":
				ch.Group = tag.Value
			}
		}
		if ch.ID == "" {
			ch.ID = Slug(ch.Name)
		}
		if ch.ID == "" {
			continue
		}
		if n := seen[ch.ID]; n > 0 {
			seen[ch.ID] = n + 1
			ch.ID = fmt.Sprintf("%s-%d", ch.ID, n+1)
		} else {
			seen[ch.ID] = 1
		}
		out = append(out, ch)
	}
	return out, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses every run of other characters into "-".
func Slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
