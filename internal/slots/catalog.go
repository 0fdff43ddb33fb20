package slots

import (
	"errors"
	"fmt"
)

const DefaultTracks = 2

var ErrEmptyCatalog = errors.New("slot catalog has no labels")

// Key addresses one unit of capacity within a center/date: a time label and a track.
type Key struct {
	Label string `json:"label"`
	Track string `json:"track"`
}

func (k Key) String() string {
	return k.Label + " / " + k.Track
}

// GenerateLabels returns contiguous "HH:MM - HH:MM" windows between startHour:00 and endHour:00.
// A trailing window that would overrun endHour is dropped.
func GenerateLabels(startHour, endHour, intervalMinutes int) []string {
	if startHour >= endHour || intervalMinutes <= 0 {
		return []string{}
	}
	if startHour < 0 || endHour > 24 {
		return []string{}
	}

	start := startHour * 60
	end := endHour * 60

	labels := make([]string, 0, (end-start)/intervalMinutes)
	for from := start; from+intervalMinutes <= end; from += intervalMinutes {
		labels = append(labels, fmt.Sprintf("%s - %s", clock(from), clock(from+intervalMinutes)))
	}
	return labels
}

// Tracks returns the parallel lane names "Track 1".."Track n".
func Tracks(n int) []string {
	if n <= 0 {
		return []string{}
	}
	tracks := make([]string, n)
	for i := range tracks {
		tracks[i] = fmt.Sprintf("Track %d", i+1)
	}
	return tracks
}

func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Catalog is the fixed, ordered set of labels and tracks offered for every center and date.
type Catalog struct {
	labels     []string
	tracks     []string
	labelIndex map[string]int
	trackIndex map[string]int
}

func NewCatalog(startHour, endHour, intervalMinutes, tracks int) (*Catalog, error) {
	labels := GenerateLabels(startHour, endHour, intervalMinutes)
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: start=%d end=%d interval=%d", ErrEmptyCatalog, startHour, endHour, intervalMinutes)
	}
	if tracks < 1 {
		return nil, fmt.Errorf("slot catalog needs at least one track, got %d", tracks)
	}
	return FromLabels(labels, Tracks(tracks)), nil
}

// FromLabels builds a catalog from an explicit label and track list.
func FromLabels(labels, tracks []string) *Catalog {
	c := &Catalog{
		labels:     append([]string(nil), labels...),
		tracks:     append([]string(nil), tracks...),
		labelIndex: make(map[string]int, len(labels)),
		trackIndex: make(map[string]int, len(tracks)),
	}
	for i, l := range c.labels {
		c.labelIndex[l] = i
	}
	for i, t := range c.tracks {
		c.trackIndex[t] = i
	}
	return c
}

func (c *Catalog) Labels() []string {
	return append([]string(nil), c.labels...)
}

func (c *Catalog) Tracks() []string {
	return append([]string(nil), c.tracks...)
}

func (c *Catalog) HasLabel(label string) bool {
	_, ok := c.labelIndex[label]
	return ok
}

func (c *Catalog) HasTrack(track string) bool {
	_, ok := c.trackIndex[track]
	return ok
}

func (c *Catalog) Contains(k Key) bool {
	return c.HasLabel(k.Label) && c.HasTrack(k.Track)
}

// Keys enumerates every key in label order, then track order.
func (c *Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c.labels)*len(c.tracks))
	for _, l := range c.labels {
		for _, t := range c.tracks {
			keys = append(keys, Key{Label: l, Track: t})
		}
	}
	return keys
}

// Capacity is the number of keys per center and date.
func (c *Catalog) Capacity() int {
	return len(c.labels) * len(c.tracks)
}
