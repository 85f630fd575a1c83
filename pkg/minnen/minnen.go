// Package minnen converts BeReal data-export archives into renamed,
// metadata-enriched photos, optionally compositing each primary/secondary
// pair into a single memory-style image.
package minnen

import (
	"fmt"
	"time"
)

// Formats supported for converted output images.
const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"
)

var civilDate = "2006-01-02"

// Settings control a single processing run.
type Settings struct {
	// Format is the output image format, "jpg" (default) or "png".
	Format string `yaml:"format"`

	// CreateCombined composites each pair into one memory-style image.
	// When set, only combined images are exported.
	CreateCombined bool `yaml:"createCombined"`

	// PrimaryIsLarge selects the primary photo as the full-size base of
	// combined images; otherwise the secondary photo is the base.
	PrimaryIsLarge bool `yaml:"primaryIsLarge"`

	// KeepOriginalName appends the source basename to output filenames.
	KeepOriginalName bool `yaml:"keepOriginalName"`

	// SinceDate and EndDate are inclusive YYYY-MM-DD calendar bounds.
	// Empty means unbounded.
	SinceDate string `yaml:"sinceDate"`
	EndDate   string `yaml:"endDate"`

	// FallbackZone is used when a photo's timezone cannot be determined
	// from its location or an override span.
	FallbackZone string `yaml:"fallbackZone"`

	// OverrideSpans map date ranges to fixed timezones for photos without
	// location data. Later spans win when ranges overlap.
	OverrideSpans []OverrideSpan `yaml:"overrideSpans"`

	// LookupZone resolves coordinates to a zone identifier. Optional;
	// photos with locations fall back to FallbackZone without it.
	LookupZone ZoneLookupFunc `yaml:"-"`
}

// File is one exported image: a run-unique name and encoded bytes.
type File struct {
	Name string
	Data []byte
}

// Stats counts what happened during a run.
type Stats struct {
	Processed     int
	Converted     int
	Combined      int
	Skipped       int
	SkippedByDate int
}

// Result summarizes a completed run.
type Result struct {
	Archive       []byte
	Filename      string
	ExportedCount int
	Warnings      []string
	Format        string
	Files         []File
	Stats         Stats
}

// Stage names, in pipeline order.
const (
	StageScanning   = "scanning"
	StageProcessing = "processing"
	StageCombining  = "combining"
	StagePackaging  = "packaging"
	StageComplete   = "complete"
)

// Progress reports how far along a run is.
type Progress struct {
	Stage   string
	Current int
	Total   int
	Percent int
}

// runConfig is a validated Settings.
type runConfig struct {
	format           string
	since            string
	end              string
	createCombined   bool
	primaryIsLarge   bool
	keepOriginalName bool
	zones            *zoneResolver
}

// compile validates Settings eagerly, before any photo is touched.
func (s Settings) compile() (*runConfig, error) {
	c := &runConfig{
		format:           s.Format,
		createCombined:   s.CreateCombined,
		primaryIsLarge:   s.PrimaryIsLarge,
		keepOriginalName: s.KeepOriginalName,
	}

	if c.format == "" {
		c.format = FormatJPEG
	}
	if c.format != FormatJPEG && c.format != FormatPNG {
		return nil, fmt.Errorf("unsupported output format %q (use %q or %q)", s.Format, FormatJPEG, FormatPNG)
	}

	var err error
	if c.since, err = parseCivil(s.SinceDate); err != nil {
		return nil, fmt.Errorf("since date: %w", err)
	}
	if c.end, err = parseCivil(s.EndDate); err != nil {
		return nil, fmt.Errorf("end date: %w", err)
	}
	if c.since != "" && c.end != "" && c.since > c.end {
		return nil, fmt.Errorf("since date %s is after end date %s", c.since, c.end)
	}

	c.zones, err = newZoneResolver(s.FallbackZone, s.OverrideSpans, s.LookupZone)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func parseCivil(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := time.Parse(civilDate, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	return t.Format(civilDate), nil
}
