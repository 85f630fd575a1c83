package minnen

import (
	"fmt"
	"image"
	"path"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// resultFilename names the packaged archive.
const resultFilename = "bereal-export-processed.zip"

// embedPhotoMetadata is stubbed in tests.
var embedPhotoMetadata = embedMetadata

// Process converts an export archive per the given settings, reporting
// progress along the way. It returns a complete result with zero or more
// warnings, or a single terminal error.
func Process(archive []byte, s Settings, onProgress func(Progress)) (*Result, error) {
	r, err := OpenZip(archive)
	if err != nil {
		return nil, err
	}
	return ProcessArchive(r, s, onProgress)
}

// pair holds the decoded surfaces of a post whose both roles succeeded.
type pair struct {
	primary   image.Image
	secondary image.Image
	lt        LocalTime
	loc       *Location
	caption   string
}

// ProcessArchive is Process over any archive reader, so extracted export
// directories can be processed without re-zipping them.
func ProcessArchive(r Reader, s Settings, onProgress func(Progress)) (*Result, error) {
	cfg, err := s.compile()
	if err != nil {
		return nil, err
	}

	report := func(stage string, cur, total, pct int) {
		if onProgress != nil {
			onProgress(Progress{Stage: stage, Current: cur, Total: total, Percent: pct})
		}
	}

	report(StageScanning, 0, 1, 0)
	lib := buildLibrary(r.Entries())
	if lib == nil {
		return nil, fmt.Errorf("no %s manifest found in archive; is this a BeReal export?", manifestName)
	}
	mbs, err := lib.ManifestBytes()
	if err != nil {
		return nil, err
	}
	posts, err := parsePosts(mbs)
	if err != nil {
		return nil, err
	}
	report(StageScanning, 1, 1, 0)

	stats := Stats{}
	kept, skipped := filterPosts(posts, cfg.since, cfg.end)
	stats.SkippedByDate = skipped
	klog.Infof("processing %d of %d posts", len(kept), len(posts))

	var warnings []string
	warnf := func(format string, args ...any) {
		w := fmt.Sprintf(format, args...)
		klog.Warning(w)
		warnings = append(warnings, w)
	}

	names := newNamer()
	iptcDegraded := false
	var singles []File
	var candidates []pair

	for i, p := range kept {
		report(StageProcessing, i, len(kept), stagePct(i, len(kept), 0, 80))

		if p.Primary == "" || p.Secondary == "" {
			warnf("post from %s is missing an image reference; skipped", p.TakenAt.Format(time.RFC3339))
			stats.Skipped++
			continue
		}

		pe, ok := lib.Lookup(p.Primary)
		if !ok {
			warnf("image %s not found in archive; post from %s skipped", p.Primary, p.TakenAt.Format(time.RFC3339))
			stats.Skipped++
			continue
		}
		se, ok := lib.Lookup(p.Secondary)
		if !ok {
			warnf("image %s not found in archive; post from %s skipped", p.Secondary, p.TakenAt.Format(time.RFC3339))
			stats.Skipped++
			continue
		}

		lt, w, err := cfg.zones.Resolve(p.TakenAt, p.Location)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}

		// Each role fails on its own; one bad image never takes down
		// its partner or the rest of the run.
		imgs := map[string]image.Image{}
		for _, rp := range []struct {
			role  string
			entry Entry
		}{{"primary", pe}, {"secondary", se}} {
			img, out, full, err := convertRole(rp.entry, cfg.format, lt, p.Location, p.Caption)
			if err != nil {
				warnf("%s image %s: %v", rp.role, rp.entry.Path, err)
				stats.Skipped++
				continue
			}
			if !full {
				iptcDegraded = true
			}
			stats.Converted++

			name := names.unique(outputBase(lt, rp.role, rp.entry.Path, cfg.keepOriginalName), "."+cfg.format)
			singles = append(singles, File{Name: name, Data: out})
			imgs[rp.role] = img
			stats.Processed++
		}

		if cfg.createCombined && imgs["primary"] != nil && imgs["secondary"] != nil {
			candidates = append(candidates, pair{
				primary:   imgs["primary"],
				secondary: imgs["secondary"],
				lt:        lt,
				loc:       p.Location,
				caption:   p.Caption,
			})
		}
	}
	report(StageProcessing, len(kept), len(kept), 80)

	var combined []File
	if cfg.createCombined {
		for i, c := range candidates {
			report(StageCombining, i, len(candidates), stagePct(i, len(candidates), 80, 90))

			out, err := renderCombined(c, cfg)
			if err != nil {
				warnf("combine pair from %s: %v", c.lt.Stamp(), err)
				continue
			}
			iptcFull := true
			if cfg.format == FormatJPEG {
				out, iptcFull, err = embedPhotoMetadata(out, c.lt, c.loc, c.caption)
				if err != nil {
					warnf("combine pair from %s: %v", c.lt.Stamp(), err)
					continue
				}
			}
			if !iptcFull {
				iptcDegraded = true
			}

			name := names.unique(c.lt.Stamp()+"_combined", "."+cfg.format)
			combined = append(combined, File{Name: name, Data: out})
			stats.Combined++
		}
		report(StageCombining, len(candidates), len(candidates), 90)
	}

	// Combined mode exports only combined images; singles never leak
	// out as orphans.
	export := singles
	if cfg.createCombined {
		export = combined
	}
	if len(export) == 0 {
		return nil, fmt.Errorf("no photos were exported; check the date filter and any warnings")
	}

	if iptcDegraded {
		warnings = append(warnings, "IPTC metadata could not be embedded in some photos; they carry EXIF metadata only")
	}

	b := newArchiveBuilder()
	for i, f := range export {
		report(StagePackaging, i, len(export), stagePct(i, len(export), 90, 100))
		if err := b.Add(f.Name, f.Data); err != nil {
			return nil, err
		}
	}
	out, err := b.Finish()
	if err != nil {
		return nil, err
	}
	report(StageComplete, len(export), len(export), 100)

	return &Result{
		Archive:       out,
		Filename:      resultFilename,
		ExportedCount: len(export),
		Warnings:      dedupe(warnings),
		Format:        cfg.format,
		Files:         export,
		Stats:         stats,
	}, nil
}

// convertRole decodes one role's bytes, re-encodes them in the output
// format, and embeds metadata on JPEG outputs. The decoded surface is
// returned for later compositing.
func convertRole(e Entry, format string, lt LocalTime, loc *Location, caption string) (image.Image, []byte, bool, error) {
	data, err := e.Bytes()
	if err != nil {
		return nil, nil, false, err
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, nil, false, err
	}
	out, err := encodeImage(img, format)
	if err != nil {
		return nil, nil, false, err
	}

	full := true
	if format == FormatJPEG {
		out, full, err = embedPhotoMetadata(out, lt, loc, caption)
		if err != nil {
			return nil, nil, false, err
		}
	}
	return img, out, full, nil
}

func renderCombined(c pair, cfg *runConfig) ([]byte, error) {
	base, overlay := c.primary, c.secondary
	if !cfg.primaryIsLarge {
		base, overlay = overlay, base
	}
	return encodeImage(combine(base, overlay), cfg.format)
}

// outputBase builds the filename stem: local timestamp, role, and
// optionally the source basename.
func outputBase(lt LocalTime, role, srcPath string, keepName bool) string {
	b := lt.Stamp() + "_" + role
	if keepName {
		base := path.Base(strings.ReplaceAll(srcPath, "\\", "/"))
		b += "_" + strings.TrimSuffix(base, path.Ext(base))
	}
	return b
}

// namer hands out run-unique filenames, suffixing collisions.
type namer struct {
	used map[string]bool
}

func newNamer() *namer {
	return &namer{used: map[string]bool{}}
}

func (n *namer) unique(base, ext string) string {
	name := base + ext
	for i := 1; n.used[name]; i++ {
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
	n.used[name] = true
	return name
}

func stagePct(cur, total, lo, hi int) int {
	if total <= 0 {
		return lo
	}
	return lo + cur*(hi-lo)/total
}

func dedupe(ws []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, w := range ws {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
