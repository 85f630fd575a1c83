package minnen

import (
	"path"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

const manifestName = "posts.json"

// library indexes an export archive: where its manifest and photo root
// live, and how logical filenames map to entries.
type library struct {
	root     string // normalized prefix above "Photos/", "" or ends in "/"
	manifest Entry

	exact  map[string]Entry
	byBase map[string][]Entry
}

// buildLibrary locates the manifest inside an arbitrarily-nested archive
// and indexes its entries. Returns nil when no manifest exists, which is
// fatal for the run.
func buildLibrary(entries []Entry) *library {
	var candidates []Entry
	hasPhotosDir := false

	for _, e := range entries {
		n := normalizePath(e.Path)
		if !e.Dir && path.Base(n) == manifestName {
			candidates = append(candidates, e)
		}
		if strings.Contains(n+"/", "/photos/") || strings.HasPrefix(n+"/", "photos/") {
			hasPhotosDir = true
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].Path) < len(candidates[j].Path)
	})

	var chosen *Entry
	for i, c := range candidates {
		prefix := rootPrefix(c.Path)
		if hasPrefix(entries, prefix+"Photos/") {
			chosen = &candidates[i]
			break
		}
	}
	// Exports sometimes misplace the Photos tree entirely. Fall back to
	// the shortest manifest as long as some photos directory exists.
	if chosen == nil && hasPhotosDir {
		chosen = &candidates[0]
	}
	if chosen == nil {
		return nil
	}

	l := &library{
		root:     rootPrefix(chosen.Path),
		manifest: *chosen,
		exact:    map[string]Entry{},
		byBase:   map[string][]Entry{},
	}
	klog.V(1).Infof("manifest %s, root prefix %q", chosen.Path, l.root)

	for _, e := range entries {
		if e.Dir {
			continue
		}
		n := normalizePath(e.Path)
		l.exact[n] = e
		b := path.Base(n)
		l.byBase[b] = append(l.byBase[b], e)
	}

	return l
}

// rootPrefix is the directory holding the manifest, "" or ending in "/".
func rootPrefix(manifestPath string) string {
	dir := path.Dir(normalizePath(manifestPath))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func hasPrefix(entries []Entry, prefix string) bool {
	prefix = normalizePath(prefix)
	for _, e := range entries {
		if strings.HasPrefix(normalizePath(e.Path), prefix) {
			return true
		}
	}
	return false
}

// Lookup resolves a logical filename from the manifest to an archive
// entry: role-prefixed paths first, then a basename search for misplaced
// files preferring post/ over bereal/ directories.
func (l *library) Lookup(name string) (Entry, bool) {
	base := path.Base(normalizePath(name))

	for _, p := range []string{
		l.root + "photos/post/" + base,
		l.root + "photos/bereal/" + base,
		l.root + "photos/" + base,
	} {
		if e, ok := l.exact[p]; ok {
			return e, true
		}
	}

	matches := l.byBase[base]
	if len(matches) == 0 {
		return Entry{}, false
	}
	for _, role := range []string{"/post/", "/bereal/"} {
		for _, e := range matches {
			if strings.Contains("/"+normalizePath(e.Path), role) {
				return e, true
			}
		}
	}
	return matches[0], true
}

// ManifestBytes reads the manifest entry.
func (l *library) ManifestBytes() ([]byte, error) {
	return l.manifest.Bytes()
}
