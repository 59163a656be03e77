// Package apod talks to NASA's Astronomy Picture of the Day API.
package apod

import (
	"math/rand/v2"
	"strings"
	"time"
)

// DateLayout is the wire format of APOD dates.
const DateLayout = "2006-01-02"

// FloorDate is the first day APOD published a picture.
var FloorDate = time.Date(1995, time.June, 16, 0, 0, 0, 0, time.UTC)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Picture is one day's astronomy picture or video plus metadata.
type Picture struct {
	Title       string    `json:"title"`
	Date        string    `json:"date"`
	Explanation string    `json:"explanation"`
	MediaType   MediaType `json:"media_type"`
	URL         string    `json:"url"`
	HDURL       string    `json:"hdurl,omitempty"`
	Copyright   string    `json:"copyright,omitempty"`
}

// RateLimit mirrors the X-RateLimit-* headers NASA returns.
type RateLimit struct {
	Limit     string `json:"limit"`
	Remaining string `json:"remaining"`
	Reset     string `json:"reset"`
}

// SanitizeDate keeps only digits and hyphens.
func SanitizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// RandomDate picks a uniform calendar day in [FloorDate, today], inclusive.
func RandomDate(rng *rand.Rand, today time.Time) string {
	today = truncateDay(today)
	if today.Before(FloorDate) {
		return FormatDate(FloorDate)
	}
	days := int(today.Sub(FloorDate).Hours() / 24)
	var offset int
	if rng == nil {
		offset = rand.IntN(days + 1)
	} else {
		offset = rng.IntN(days + 1)
	}
	return FormatDate(FloorDate.AddDate(0, 0, offset))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
