package minnen

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// EXIF is written as a big-endian TIFF block wrapped in a JPEG APP1
// segment. Only the tags below are emitted; the offset tags are part of
// the fixed tag table even though they postdate EXIF 2.2.
const (
	tagImageDescription = 0x010E
	tagExifIFD          = 0x8769
	tagGPSIFD           = 0x8825

	tagDateTimeOriginal    = 0x9003
	tagDateTimeDigitized   = 0x9004
	tagOffsetTime          = 0x9010
	tagOffsetTimeOriginal  = 0x9011
	tagOffsetTimeDigitized = 0x9012

	tagGPSLatitudeRef  = 0x0001
	tagGPSLatitude     = 0x0002
	tagGPSLongitudeRef = 0x0003
	tagGPSLongitude    = 0x0004
)

const (
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

var exifHeader = []byte("Exif\x00\x00")

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	v := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(v)), value: v}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return ifdEntry{tag: tag, typ: typeLong, count: 1, value: b}
}

func rationalEntry(tag uint16, rats [][2]uint32) ifdEntry {
	b := make([]byte, 0, len(rats)*8)
	for _, r := range rats {
		b = binary.BigEndian.AppendUint32(b, r[0])
		b = binary.BigEndian.AppendUint32(b, r[1])
	}
	return ifdEntry{tag: tag, typ: typeRational, count: uint32(len(rats)), value: b}
}

// ifd is one TIFF image file directory plus its out-of-line values.
type ifd struct {
	entries []ifdEntry
}

func (d *ifd) add(e ifdEntry) {
	d.entries = append(d.entries, e)
}

func (d *ifd) setLong(tag uint16, v uint32) {
	for i := range d.entries {
		if d.entries[i].tag == tag {
			binary.BigEndian.PutUint32(d.entries[i].value, v)
			return
		}
	}
}

func (d *ifd) tableSize() int {
	return 2 + 12*len(d.entries) + 4
}

// size covers the entry table and all out-of-line values, each padded to
// keep TIFF values word-aligned.
func (d *ifd) size() int {
	n := d.tableSize()
	for _, e := range d.entries {
		if len(e.value) > 4 {
			n += len(e.value) + len(e.value)%2
		}
	}
	return n
}

// encode serializes the IFD as laid out at the given offset from the
// start of the TIFF block, out-of-line values trailing the table.
func (d *ifd) encode(base uint32) []byte {
	sort.Slice(d.entries, func(i, j int) bool {
		return d.entries[i].tag < d.entries[j].tag
	})

	table := make([]byte, 0, d.tableSize())
	table = binary.BigEndian.AppendUint16(table, uint16(len(d.entries)))

	ext := []byte{}
	extBase := base + uint32(d.tableSize())
	for _, e := range d.entries {
		table = binary.BigEndian.AppendUint16(table, e.tag)
		table = binary.BigEndian.AppendUint16(table, e.typ)
		table = binary.BigEndian.AppendUint32(table, e.count)
		if len(e.value) <= 4 {
			v := [4]byte{}
			copy(v[:], e.value)
			table = append(table, v[:]...)
			continue
		}
		table = binary.BigEndian.AppendUint32(table, extBase+uint32(len(ext)))
		ext = append(ext, e.value...)
		if len(e.value)%2 == 1 {
			ext = append(ext, 0)
		}
	}

	// no next IFD
	table = binary.BigEndian.AppendUint32(table, 0)
	return append(table, ext...)
}

// toDMS converts unsigned decimal degrees to degree/minute/second
// rationals, seconds carrying two decimal places.
func toDMS(v float64) [][2]uint32 {
	d := math.Floor(v)
	m := math.Floor((v - d) * 60)
	s := (v - d - m/60) * 3600

	return [][2]uint32{
		{uint32(d), 1},
		{uint32(m), 1},
		{uint32(math.Round(s * 100)), 100},
	}
}

// buildEXIFSegment builds a complete APP1 segment carrying the photo's
// local capture time, UTC offset, and optional caption and GPS position.
func buildEXIFSegment(lt LocalTime, loc *Location, caption string) ([]byte, error) {
	exifIFD := &ifd{}
	exifIFD.add(asciiEntry(tagDateTimeOriginal, lt.ExifDateTime()))
	exifIFD.add(asciiEntry(tagDateTimeDigitized, lt.ExifDateTime()))
	exifIFD.add(asciiEntry(tagOffsetTime, lt.ExifOffset()))
	exifIFD.add(asciiEntry(tagOffsetTimeOriginal, lt.ExifOffset()))
	exifIFD.add(asciiEntry(tagOffsetTimeDigitized, lt.ExifOffset()))

	var gpsIFD *ifd
	if loc != nil {
		gpsIFD = &ifd{}
		latRef, lonRef := "N", "E"
		if loc.Latitude < 0 {
			latRef = "S"
		}
		if loc.Longitude < 0 {
			lonRef = "W"
		}
		gpsIFD.add(asciiEntry(tagGPSLatitudeRef, latRef))
		gpsIFD.add(rationalEntry(tagGPSLatitude, toDMS(math.Abs(loc.Latitude))))
		gpsIFD.add(asciiEntry(tagGPSLongitudeRef, lonRef))
		gpsIFD.add(rationalEntry(tagGPSLongitude, toDMS(math.Abs(loc.Longitude))))
	}

	ifd0 := &ifd{}
	if c := strings.TrimSpace(caption); c != "" {
		ifd0.add(asciiEntry(tagImageDescription, c))
	}
	ifd0.add(longEntry(tagExifIFD, 0))
	if gpsIFD != nil {
		ifd0.add(longEntry(tagGPSIFD, 0))
	}

	exifOff := uint32(8 + ifd0.size())
	ifd0.setLong(tagExifIFD, exifOff)
	gpsOff := exifOff + uint32(exifIFD.size())
	if gpsIFD != nil {
		ifd0.setLong(tagGPSIFD, gpsOff)
	}

	tiff := make([]byte, 0, int(gpsOff))
	tiff = append(tiff, 'M', 'M', 0x00, 0x2A)
	tiff = binary.BigEndian.AppendUint32(tiff, 8)
	tiff = append(tiff, ifd0.encode(8)...)
	tiff = append(tiff, exifIFD.encode(exifOff)...)
	if gpsIFD != nil {
		tiff = append(tiff, gpsIFD.encode(gpsOff)...)
	}

	segLen := len(exifHeader) + len(tiff) + 2
	if segLen > 0xFFFF {
		return nil, fmt.Errorf("EXIF segment too large: %d bytes", segLen)
	}

	seg := make([]byte, 0, segLen+2)
	seg = append(seg, 0xFF, markerAPP1)
	seg = binary.BigEndian.AppendUint16(seg, uint16(segLen))
	seg = append(seg, exifHeader...)
	return append(seg, tiff...), nil
}

// embedEXIF splices an APP1 segment into a JPEG stream directly after
// the SOI marker.
func embedEXIF(jpeg []byte, lt LocalTime, loc *Location, caption string) ([]byte, error) {
	if len(jpeg) < 2 || jpeg[0] != 0xFF || jpeg[1] != markerSOI {
		return nil, fmt.Errorf("not a JPEG stream")
	}

	seg, err := buildEXIFSegment(lt, loc, caption)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(jpeg)+len(seg))
	out = append(out, jpeg[:2]...)
	out = append(out, seg...)
	return append(out, jpeg[2:]...), nil
}
