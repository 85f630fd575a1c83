package minnen

import (
	"encoding/binary"
	"fmt"
	"strings"

	"k8s.io/klog/v2"
)

// JPEG markers handled by the splicer.
const (
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerTEM   = 0x01
	markerRST0  = 0xD0
	markerRST7  = 0xD7
	markerAPP1  = 0xE1
	markerAPP13 = 0xED
)

// IPTC record 2 dataset IDs.
const (
	dsCharacterSet = 90
	dsDate         = 55
	dsTime         = 60
	dsCaption      = 120
)

// utf8Escape is the character-set designation announcing UTF-8 values.
var utf8Escape = []byte{0x1B, 0x25, 0x47}

// iptcDataset encodes one record 2 dataset: marker, record, ID, and a
// 16-bit big-endian length before the value.
func iptcDataset(id byte, value []byte) ([]byte, error) {
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("IPTC dataset %d too large: %d bytes", id, len(value))
	}
	ds := []byte{0x1C, 0x02, id}
	ds = binary.BigEndian.AppendUint16(ds, uint16(len(value)))
	return append(ds, value...), nil
}

// buildIPTCSegment builds an APP13 segment: IPTC datasets inside a
// Photoshop 8BIM image resource block.
func buildIPTCSegment(lt LocalTime, caption string) ([]byte, error) {
	var payload []byte
	sets := []struct {
		id    byte
		value []byte
	}{
		{dsCharacterSet, utf8Escape},
		{dsDate, []byte(lt.IPTCDate())},
		{dsTime, []byte(lt.IPTCTime())},
	}
	if c := strings.TrimSpace(caption); c != "" {
		sets = append(sets, struct {
			id    byte
			value []byte
		}{dsCaption, []byte(c)})
	}
	for _, s := range sets {
		ds, err := iptcDataset(s.id, s.value)
		if err != nil {
			return nil, err
		}
		payload = append(payload, ds...)
	}

	// 8BIM resource: signature, resource ID 0x0404, empty Pascal name
	// padded to even length, 32-bit length, payload, odd-length pad.
	res := []byte("8BIM")
	res = binary.BigEndian.AppendUint16(res, 0x0404)
	res = append(res, 0x00, 0x00)
	res = binary.BigEndian.AppendUint32(res, uint32(len(payload)))
	res = append(res, payload...)
	if len(payload)%2 == 1 {
		res = append(res, 0x00)
	}

	segLen := len(res) + 2
	if segLen > 0xFFFF {
		return nil, fmt.Errorf("APP13 segment too large: %d bytes", segLen)
	}

	seg := []byte{0xFF, markerAPP13}
	seg = binary.BigEndian.AppendUint16(seg, uint16(segLen))
	return append(seg, res...), nil
}

// metadataInsertOffset walks the JPEG marker chain and returns the offset
// of the start-of-scan (or end-of-image) marker, where new metadata
// segments can be spliced in. Malformed streams fail explicitly.
func metadataInsertOffset(b []byte) (int, error) {
	if len(b) < 2 || b[0] != 0xFF || b[1] != markerSOI {
		return 0, fmt.Errorf("not a JPEG stream")
	}

	i := 2
	for {
		if i+1 >= len(b) {
			return 0, fmt.Errorf("truncated JPEG stream at offset %d", i)
		}
		if b[i] != 0xFF {
			return 0, fmt.Errorf("invalid marker byte 0x%02X at offset %d", b[i], i)
		}

		marker := b[i+1]
		switch {
		case marker == 0xFF: // fill byte
			i++
		case marker == markerSOS || marker == markerEOI:
			return i, nil
		case marker == markerTEM || (marker >= markerRST0 && marker <= markerRST7):
			// standalone markers carry no length field
			i += 2
		default:
			if i+3 >= len(b) {
				return 0, fmt.Errorf("truncated segment header at offset %d", i)
			}
			l := int(binary.BigEndian.Uint16(b[i+2 : i+4]))
			if l < 2 {
				return 0, fmt.Errorf("invalid segment length %d at offset %d", l, i)
			}
			i += 2 + l
		}
	}
}

// embedIPTC splices an APP13 segment into a JPEG stream ahead of the
// image data.
func embedIPTC(jpeg []byte, lt LocalTime, caption string) ([]byte, error) {
	off, err := metadataInsertOffset(jpeg)
	if err != nil {
		return nil, err
	}

	seg, err := buildIPTCSegment(lt, caption)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(jpeg)+len(seg))
	out = append(out, jpeg[:off]...)
	out = append(out, seg...)
	return append(out, jpeg[off:]...), nil
}

// embedMetadata writes EXIF and IPTC into a JPEG. EXIF failure is the
// caller's problem; IPTC is best-effort, reported by the second return
// so callers can aggregate a single warning.
func embedMetadata(jpeg []byte, lt LocalTime, loc *Location, caption string) ([]byte, bool, error) {
	out, err := embedEXIF(jpeg, lt, loc, caption)
	if err != nil {
		return nil, false, fmt.Errorf("embed EXIF: %w", err)
	}

	withIPTC, err := embedIPTC(out, lt, caption)
	if err != nil {
		klog.V(1).Infof("IPTC embed failed: %v", err)
		return out, false, nil
	}
	return withIPTC, true, nil
}
