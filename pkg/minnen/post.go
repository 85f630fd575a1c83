package minnen

import (
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Location is a photo's capture position in signed decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Post is one capture event from the manifest: a primary/secondary photo
// pair with its timestamp and optional location and caption.
type Post struct {
	TakenAt   time.Time
	Primary   string
	Secondary string
	Location  *Location
	Caption   string
}

type manifestMedia struct {
	Path string `json:"path"`
}

type manifestPost struct {
	TakenAt   string         `json:"takenAt"`
	Primary   *manifestMedia `json:"primary"`
	Secondary *manifestMedia `json:"secondary"`
	Location  *Location      `json:"location"`
	Caption   string         `json:"caption"`
}

// parsePosts decodes the manifest array. Entries with a missing or
// unparseable takenAt are dropped; everything else survives parsing and
// fails later, per-entry, if it must.
func parsePosts(data []byte) ([]Post, error) {
	var raw []manifestPost
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	posts := make([]Post, 0, len(raw))
	for _, m := range raw {
		t, err := time.Parse(time.RFC3339, m.TakenAt)
		if err != nil {
			klog.Warningf("dropping entry with bad takenAt %q: %v", m.TakenAt, err)
			continue
		}
		p := Post{TakenAt: t, Location: m.Location, Caption: m.Caption}
		if m.Primary != nil {
			p.Primary = m.Primary.Path
		}
		if m.Secondary != nil {
			p.Secondary = m.Secondary.Path
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// takenDate is the post's UTC calendar date, used for filtering.
func (p Post) takenDate() string {
	return p.TakenAt.UTC().Format(civilDate)
}

// filterPosts keeps posts within the inclusive [since, end] date bounds.
func filterPosts(posts []Post, since, end string) (kept []Post, skipped int) {
	for _, p := range posts {
		d := p.takenDate()
		if (since != "" && d < since) || (end != "" && d > end) {
			klog.V(1).Infof("skipping post from %s: outside %s..%s", d, since, end)
			skipped++
			continue
		}
		kept = append(kept, p)
	}
	return kept, skipped
}

// DateBounds are the earliest and latest capture dates in a manifest.
type DateBounds struct {
	Earliest string
	Latest   string
}

// ExtractDateBounds scans only the manifest of an export archive and
// reports its capture date range, for pre-populating date filters.
// Returns nil when the manifest holds no usable entries.
func ExtractDateBounds(archive []byte) (*DateBounds, error) {
	r, err := OpenZip(archive)
	if err != nil {
		return nil, err
	}

	lib := buildLibrary(r.Entries())
	if lib == nil {
		return nil, fmt.Errorf("no %s found in archive", manifestName)
	}

	bs, err := lib.ManifestBytes()
	if err != nil {
		return nil, err
	}
	posts, err := parsePosts(bs)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}

	b := &DateBounds{Earliest: posts[0].takenDate(), Latest: posts[0].takenDate()}
	for _, p := range posts[1:] {
		d := p.takenDate()
		if d < b.Earliest {
			b.Earliest = d
		}
		if d > b.Latest {
			b.Latest = d
		}
	}
	return b, nil
}
