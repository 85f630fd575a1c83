package minnen

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// ZoneLookupFunc resolves coordinates to an IANA zone identifier.
type ZoneLookupFunc func(lat, lon float64) (string, error)

// OverrideSpan maps an inclusive calendar date range to a fixed timezone,
// for photos without location data. Open-ended when a bound is empty.
type OverrideSpan struct {
	StartDate string `yaml:"startDate" json:"startDate"`
	EndDate   string `yaml:"endDate" json:"endDate"`
	TimeZone  string `yaml:"timeZone" json:"timeZone"`
}

// span is a validated OverrideSpan.
type span struct {
	start string
	end   string
	loc   *time.Location
}

// contains reports whether the instant's calendar date, observed in the
// span's own zone, falls within the span.
func (s span) contains(t time.Time) bool {
	d := t.In(s.loc).Format(civilDate)
	return (s.start == "" || d >= s.start) && (s.end == "" || d <= s.end)
}

type zoneResolver struct {
	fallback *time.Location
	spans    []span
	lookup   ZoneLookupFunc
}

func newZoneResolver(fallback string, overrides []OverrideSpan, lookup ZoneLookupFunc) (*zoneResolver, error) {
	r := &zoneResolver{lookup: lookup}

	if fallback != "" {
		loc, err := time.LoadLocation(fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback timezone %q: %w", fallback, err)
		}
		r.fallback = loc
	}

	for i, o := range overrides {
		if strings.TrimSpace(o.TimeZone) == "" {
			return nil, fmt.Errorf("override span %d: timezone is blank", i+1)
		}
		loc, err := time.LoadLocation(o.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("override span %d: invalid timezone %q: %w", i+1, o.TimeZone, err)
		}
		s := span{loc: loc}
		if s.start, err = parseCivil(o.StartDate); err != nil {
			return nil, fmt.Errorf("override span %d: start: %w", i+1, err)
		}
		if s.end, err = parseCivil(o.EndDate); err != nil {
			return nil, fmt.Errorf("override span %d: end: %w", i+1, err)
		}
		if s.start != "" && s.end != "" && s.start > s.end {
			return nil, fmt.Errorf("override span %d: start %s is after end %s", i+1, s.start, s.end)
		}
		r.spans = append(r.spans, s)
	}

	return r, nil
}

// Resolve determines the local civil time for one photo. A returned
// warning means the fallback zone papered over a lookup failure; an error
// means the timezone is undeterminable and the run cannot continue.
func (r *zoneResolver) Resolve(t time.Time, l *Location) (LocalTime, string, error) {
	if l != nil {
		loc, err := r.lookupZone(l)
		if err == nil {
			return newLocalTime(t, loc), "", nil
		}
		klog.V(1).Infof("zone lookup failed for %s: %v", t.Format(time.RFC3339), err)
		if r.fallback != nil {
			warn := fmt.Sprintf("no timezone found for photo taken at %s (%v); used fallback zone %s",
				t.Format(time.RFC3339), err, r.fallback)
			return newLocalTime(t, r.fallback), warn, nil
		}
		return LocalTime{}, "", fmt.Errorf("timezone for photo taken at %s: %w (configure a fallback timezone to continue)",
			t.Format(time.RFC3339), err)
	}

	var match *time.Location
	for _, s := range r.spans {
		if s.contains(t) {
			match = s.loc
		}
	}
	if match != nil {
		return newLocalTime(t, match), "", nil
	}
	if r.fallback != nil {
		return newLocalTime(t, r.fallback), "", nil
	}
	return LocalTime{}, "", fmt.Errorf("no timezone for photo taken at %s: it has no location; add an override span covering its date or configure a fallback timezone",
		t.Format(time.RFC3339))
}

func (r *zoneResolver) lookupZone(l *Location) (*time.Location, error) {
	if r.lookup == nil {
		return nil, fmt.Errorf("no coordinate lookup configured")
	}
	name, err := r.lookup(l.Latitude, l.Longitude)
	if err != nil {
		return nil, fmt.Errorf("lookup %.4f,%.4f: %w", l.Latitude, l.Longitude, err)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("lookup returned unknown zone %q", name)
	}
	return loc, nil
}

// LocalTime is an instant observed in its resolved zone.
type LocalTime struct {
	t      time.Time
	offset int // seconds east of UTC at this instant
}

func newLocalTime(t time.Time, loc *time.Location) LocalTime {
	lt := t.In(loc)
	_, off := lt.Zone()
	return LocalTime{t: lt, offset: off}
}

// Date is the local calendar date, YYYY-MM-DD.
func (l LocalTime) Date() string {
	return l.t.Format(civilDate)
}

// Stamp is a filesystem-safe local timestamp, YYYY-MM-DDThh-mm-ss.
func (l LocalTime) Stamp() string {
	return l.t.Format("2006-01-02T15-04-05")
}

// ExifDateTime is the local time in EXIF form, YYYY:MM:DD hh:mm:ss.
func (l LocalTime) ExifDateTime() string {
	return l.t.Format("2006:01:02 15:04:05")
}

// ExifOffset is the UTC offset in EXIF form, ±hh:mm.
func (l LocalTime) ExifOffset() string {
	sign, hh, mm := l.offsetParts()
	return fmt.Sprintf("%c%02d:%02d", sign, hh, mm)
}

// IPTCDate is the local date in IPTC form, YYYYMMDD.
func (l LocalTime) IPTCDate() string {
	return l.t.Format("20060102")
}

// IPTCTime is the local time plus offset in IPTC form, hhmmss±hhmm.
func (l LocalTime) IPTCTime() string {
	sign, hh, mm := l.offsetParts()
	return fmt.Sprintf("%s%c%02d%02d", l.t.Format("150405"), sign, hh, mm)
}

func (l LocalTime) offsetParts() (sign byte, hh, mm int) {
	off := l.offset
	sign = '+'
	if off < 0 {
		sign = '-'
		off = -off
	}
	return sign, off / 3600, off % 3600 / 60
}
