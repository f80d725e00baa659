package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variant is one independently generated result set: an ordered list of
// segments whose timestamps strictly increase.
type Variant []Segment

// Clone returns a deep copy of the variant.
func (v Variant) Clone() Variant {
	if v == nil {
		return nil
	}
	c := make(Variant, len(v))
	for i, s := range v {
		c[i] = s
		c[i].Tags = append([]Tag(nil), s.Tags...)
	}
	return c
}

// Segment is one labeled sub-interval of a variant's timeline.
type Segment struct {
	Index     int      `json:"number"`
	Label     string   `json:"chapter"`
	StartTime Timecode `json:"startTime"`
	EndTime   Timecode `json:"endTime"`
	Content   string   `json:"content"`
	Tags      []Tag    `json:"tags"`
}

// Tag is a (name, confidence) annotation attached to a segment.
type Tag struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Timecode is an offset into the media, encoded as HH:MM:SS.
type Timecode time.Duration

// String formats the timecode as HH:MM:SS. Sub-second precision is dropped.
func (t Timecode) String() string {
	d := time.Duration(t)
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, total/3600, (total/60)%60, total%60)
}

// MarshalJSON implements json.Marshaler.
func (t Timecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timecode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timecode: %w", err)
	}
	parsed, err := ParseTimecode(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimecode parses an HH:MM:SS string.
func ParseTimecode(s string) (Timecode, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("parse timecode %q: %w", s, err)
	}
	if m < 0 || m > 59 || sec < 0 || sec > 59 || h < 0 {
		return 0, fmt.Errorf("parse timecode %q: out of range", s)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
	return Timecode(d), nil
}

// CloneVariants returns a deep copy of a result list.
func CloneVariants(vs []Variant) []Variant {
	if vs == nil {
		return nil
	}
	c := make([]Variant, len(vs))
	for i, v := range vs {
		c[i] = v.Clone()
	}
	return c
}
