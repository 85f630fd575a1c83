package minnen

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func berlinSettings() Settings {
	return Settings{FallbackZone: "Europe/Berlin"}
}

// exportArchive is a minimal well-formed export: one post taken at
// 12:30:45 UTC (14:30:45 in Berlin).
func exportArchive(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string][]byte{
		"posts.json":          manifestJSON(postJSON("2023-07-15T12:30:45.123Z", "p1.webp", "s1.webp")),
		"Photos/post/p1.webp": makeJPEG(t, 100, 80, color.RGBA{R: 220, A: 255}),
		"Photos/post/s1.webp": makeJPEG(t, 50, 40, color.RGBA{B: 220, A: 255}),
	})
}

func TestProcessSingles(t *testing.T) {
	res, err := Process(exportArchive(t), berlinSettings(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ExportedCount)
	assert.Equal(t, FormatJPEG, res.Format)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, resultFilename, res.Filename)

	names := []string{res.Files[0].Name, res.Files[1].Name}
	assert.Contains(t, names, "2023-07-15T14-30-45_primary.jpg")
	assert.Contains(t, names, "2023-07-15T14-30-45_secondary.jpg")

	// packaged archive round-trips
	r, err := OpenZip(res.Archive)
	require.NoError(t, err)
	assert.Len(t, r.Entries(), 2)

	// outputs carry the metadata we resolved
	x, err := exif.Decode(bytes.NewReader(res.Files[0].Data))
	require.NoError(t, err)
	dt, err := x.Get(exif.DateTimeOriginal)
	require.NoError(t, err)
	s, err := dt.StringVal()
	require.NoError(t, err)
	assert.Equal(t, "2023:07:15 14:30:45", s)
}

func TestProcessCombined(t *testing.T) {
	s := berlinSettings()
	s.CreateCombined = true
	s.PrimaryIsLarge = true

	res, err := Process(exportArchive(t), s, nil)
	require.NoError(t, err)

	require.Equal(t, 1, res.ExportedCount)
	assert.Equal(t, "2023-07-15T14-30-45_combined.jpg", res.Files[0].Name)
	assert.Equal(t, 1, res.Stats.Combined)

	// base is the primary photo, so the canvas keeps its dimensions
	img, _, err := image.Decode(bytes.NewReader(res.Files[0].Data))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())

	// combined output carries metadata too
	sets := parseIPTC(t, res.Files[0].Data)
	assert.Equal(t, "20230715", string(sets[dsDate]))
}

func TestProcessBerlinLocationOffset(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"posts.json": []byte(`[{"takenAt":"2023-07-15T12:30:45Z",
			"primary":{"path":"p1.webp"},"secondary":{"path":"s1.webp"},
			"location":{"latitude":52.5,"longitude":13.4}}]`),
		"Photos/post/p1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/s1.webp": makeJPEG(t, 32, 32, color.Black),
	})

	s := Settings{LookupZone: func(lat, lon float64) (string, error) {
		assert.InDelta(t, 52.5, lat, 0.001)
		assert.InDelta(t, 13.4, lon, 0.001)
		return "Europe/Berlin", nil
	}}

	res, err := Process(archive, s, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.ExportedCount)

	tiff := tiffBlock(t, res.Files[0].Data)
	ifd0 := binary.BigEndian.Uint32(tiff[4:])
	exifIFD := tiffLong(t, tiff, ifd0, tagExifIFD)
	assert.Equal(t, "+02:00", tiffASCII(t, tiff, exifIFD, tagOffsetTimeOriginal))

	x, err := exif.Decode(bytes.NewReader(res.Files[0].Data))
	require.NoError(t, err)
	lat, lon, err := x.LatLong()
	require.NoError(t, err)
	assert.InDelta(t, 52.5, lat, 0.0001)
	assert.InDelta(t, 13.4, lon, 0.0001)
}

func TestProcessNestedExportRoot(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"export/data/posts.json":          manifestJSON(postJSON("2023-07-15T12:30:45Z", "p1.webp", "s1.webp")),
		"export/data/Photos/post/p1.webp": makeJPEG(t, 32, 32, color.White),
		"export/data/Photos/post/s1.webp": makeJPEG(t, 32, 32, color.Black),
	})

	res, err := Process(archive, berlinSettings(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExportedCount)
}

func TestProcessMissingSecondarySkipsPost(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"posts.json": manifestJSON(
			postJSON("2023-07-15T12:30:45Z", "p1.webp", "s1.webp"),
			postJSON("2023-07-16T12:30:45Z", "p2.webp", "gone.webp"),
		),
		"Photos/post/p1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/s1.webp": makeJPEG(t, 32, 32, color.Black),
		"Photos/post/p2.webp": makeJPEG(t, 32, 32, color.White),
	})

	s := berlinSettings()
	s.CreateCombined = true
	res, err := Process(archive, s, nil)
	require.NoError(t, err)

	// the broken post contributes nothing: no orphan single, no combine
	require.Equal(t, 1, res.ExportedCount)
	assert.Equal(t, "2023-07-15T14-30-45_combined.jpg", res.Files[0].Name)
	assert.Equal(t, 1, res.Stats.Skipped)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "gone.webp")
}

func TestProcessRoleFailureIsolation(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"posts.json":          manifestJSON(postJSON("2023-07-15T12:30:45Z", "p1.webp", "s1.webp")),
		"Photos/post/p1.webp": []byte("this is not an image"),
		"Photos/post/s1.webp": makeJPEG(t, 32, 32, color.Black),
	})

	res, err := Process(archive, berlinSettings(), nil)
	require.NoError(t, err)

	require.Equal(t, 1, res.ExportedCount)
	assert.Equal(t, "2023-07-15T14-30-45_secondary.jpg", res.Files[0].Name)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "p1.webp")
}

func TestProcessNameCollisions(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"posts.json": manifestJSON(
			postJSON("2023-07-15T12:30:45Z", "a1.webp", "b1.webp"),
			postJSON("2023-07-15T12:30:45Z", "a2.webp", "b2.webp"),
		),
		"Photos/post/a1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b1.webp": makeJPEG(t, 32, 32, color.Black),
		"Photos/post/a2.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b2.webp": makeJPEG(t, 32, 32, color.Black),
	})

	res, err := Process(archive, berlinSettings(), nil)
	require.NoError(t, err)
	require.Equal(t, 4, res.ExportedCount)

	names := map[string]bool{}
	for _, f := range res.Files {
		assert.False(t, names[f.Name], "duplicate name %s", f.Name)
		names[f.Name] = true
	}
	assert.True(t, names["2023-07-15T14-30-45_primary.jpg"])
	assert.True(t, names["2023-07-15T14-30-45_primary_1.jpg"])
	assert.True(t, names["2023-07-15T14-30-45_secondary_1.jpg"])
}

func TestProcessKeepOriginalName(t *testing.T) {
	s := berlinSettings()
	s.KeepOriginalName = true

	res, err := Process(exportArchive(t), s, nil)
	require.NoError(t, err)

	names := []string{res.Files[0].Name, res.Files[1].Name}
	assert.Contains(t, names, "2023-07-15T14-30-45_primary_p1.jpg")
	assert.Contains(t, names, "2023-07-15T14-30-45_secondary_s1.jpg")
}

func TestProcessPNGOutput(t *testing.T) {
	s := berlinSettings()
	s.Format = FormatPNG

	res, err := Process(exportArchive(t), s, nil)
	require.NoError(t, err)

	assert.Equal(t, FormatPNG, res.Format)
	for _, f := range res.Files {
		assert.Contains(t, f.Name, ".png")
		_, format, err := image.Decode(bytes.NewReader(f.Data))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
	}
}

func TestProcessDateFilter(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"posts.json": manifestJSON(
			postJSON("2023-07-14T12:00:00Z", "a1.webp", "b1.webp"),
			postJSON("2023-07-15T12:00:00Z", "a2.webp", "b2.webp"),
			postJSON("2023-07-16T12:00:00Z", "a3.webp", "b3.webp"),
		),
		"Photos/post/a1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b1.webp": makeJPEG(t, 32, 32, color.Black),
		"Photos/post/a2.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b2.webp": makeJPEG(t, 32, 32, color.Black),
		"Photos/post/a3.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b3.webp": makeJPEG(t, 32, 32, color.Black),
	})

	s := berlinSettings()
	s.SinceDate = "2023-07-15"
	s.EndDate = "2023-07-15"

	res, err := Process(archive, s, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExportedCount)
	assert.Equal(t, 2, res.Stats.SkippedByDate)
	for _, f := range res.Files {
		assert.Contains(t, f.Name, "2023-07-15T")
	}
}

func TestProcessFatalConditions(t *testing.T) {
	valid := exportArchive(t)

	t.Run("undeterminable timezone", func(t *testing.T) {
		_, err := Process(valid, Settings{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fallback timezone")
	})

	t.Run("no manifest", func(t *testing.T) {
		archive := buildZip(t, map[string][]byte{"readme.txt": []byte("hi")})
		_, err := Process(archive, berlinSettings(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "posts.json")
	})

	t.Run("unparseable manifest", func(t *testing.T) {
		archive := buildZip(t, map[string][]byte{
			"posts.json":         []byte("{broken"),
			"Photos/post/a.webp": nil,
		})
		_, err := Process(archive, berlinSettings(), nil)
		assert.Error(t, err)
	})

	t.Run("nothing exported", func(t *testing.T) {
		s := berlinSettings()
		s.SinceDate = "2030-01-01"
		_, err := Process(valid, s, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no photos were exported")
	})

	t.Run("invalid settings", func(t *testing.T) {
		s := berlinSettings()
		s.Format = "bmp"
		_, err := Process(valid, s, nil)
		assert.Error(t, err)

		s = Settings{FallbackZone: "Nope/Nowhere"}
		_, err = Process(valid, s, nil)
		assert.Error(t, err)

		s = berlinSettings()
		s.SinceDate = "2023-09-01"
		s.EndDate = "2023-01-01"
		_, err = Process(valid, s, nil)
		assert.Error(t, err)
	})

	t.Run("bad archive", func(t *testing.T) {
		_, err := Process([]byte("not a zip"), berlinSettings(), nil)
		assert.Error(t, err)
	})
}

func TestProcessProgressStages(t *testing.T) {
	var stages []string
	last := Progress{}
	seen := map[string]bool{}

	s := berlinSettings()
	s.CreateCombined = true
	_, err := Process(exportArchive(t), s, func(p Progress) {
		if !seen[p.Stage] {
			seen[p.Stage] = true
			stages = append(stages, p.Stage)
		}
		assert.GreaterOrEqual(t, p.Percent, last.Percent, "percent must not go backwards")
		last = p
	})
	require.NoError(t, err)

	assert.Equal(t, []string{StageScanning, StageProcessing, StageCombining, StagePackaging, StageComplete}, stages)
	assert.Equal(t, 100, last.Percent)
}

func TestProcessAggregatesIPTCDegradeWarning(t *testing.T) {
	orig := embedPhotoMetadata
	embedPhotoMetadata = func(jpeg []byte, lt LocalTime, loc *Location, caption string) ([]byte, bool, error) {
		out, _, err := orig(jpeg, lt, loc, caption)
		return out, false, err
	}
	defer func() { embedPhotoMetadata = orig }()

	archive := buildZip(t, map[string][]byte{
		"posts.json": manifestJSON(
			postJSON("2023-07-15T12:30:45Z", "a1.webp", "b1.webp"),
			postJSON("2023-07-16T12:30:45Z", "a2.webp", "b2.webp"),
		),
		"Photos/post/a1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b1.webp": makeJPEG(t, 32, 32, color.Black),
		"Photos/post/a2.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/b2.webp": makeJPEG(t, 32, 32, color.Black),
	})

	res, err := Process(archive, berlinSettings(), nil)
	require.NoError(t, err)
	require.Equal(t, 4, res.ExportedCount)

	// four degraded photos collapse into one aggregated warning
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "EXIF metadata only")
}

func TestProcessWarningsDeduplicated(t *testing.T) {
	// two posts reference the same missing file: one warning
	archive := buildZip(t, map[string][]byte{
		"posts.json": manifestJSON(
			postJSON("2023-07-15T12:30:45Z", "gone.webp", "alsogone.webp"),
			postJSON("2023-07-15T12:30:45Z", "gone.webp", "alsogone.webp"),
			postJSON("2023-07-16T12:30:45Z", "p1.webp", "s1.webp"),
		),
		"Photos/post/p1.webp": makeJPEG(t, 32, 32, color.White),
		"Photos/post/s1.webp": makeJPEG(t, 32, 32, color.Black),
	})

	res, err := Process(archive, berlinSettings(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
}
