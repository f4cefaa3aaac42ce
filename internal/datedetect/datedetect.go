// Package datedetect extracts a timestamp span from a log line, trying a
// configurable bank of timestamp templates in order.
package datedetect

import (
	"fmt"
	"regexp"
	"time"
)

// DateParseError is the soft DateParseError kind: the line is dropped with
// a diagnostic, processing continues.
type DateParseError struct {
	Line string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("datedetect: no timestamp found in %q", e.Line)
}

// Span is the matched timestamp substring and its position in the line.
type Span struct {
	Start, End int
	Text       string
}

// Detector finds and parses timestamps embedded in log lines.
type Detector interface {
	// FindSpan locates the timestamp substring within line, or ok=false if
	// none of the known templates match.
	FindSpan(line string) (Span, bool)
	// GetUnixTime parses timeLine (the matched span, as returned by
	// FindSpan) into an absolute time.
	GetUnixTime(timeLine string) (time.Time, error)
}

type template struct {
	re     *regexp.Regexp
	layout string
}

// Default is a small bank of common log timestamp formats: syslog
// (no year), Apache/nginx combined log, and RFC3339. Templates are tried
// in order; the first match wins.
type Default struct {
	templates []template
	// year is consulted for year-less formats (syslog); it is the
	// reference year passed to NewDefault.
	year int
}

// NewDefault builds the default template bank, anchoring year-less
// formats (syslog) to the given reference year.
func NewDefault(referenceYear int) *Default {
	return &Default{
		templates: []template{
			{
				re:     regexp.MustCompile(`^[A-Z][a-z]{2}\s+\d{1,2}\s\d{2}:\d{2}:\d{2}`),
				layout: "Jan _2 15:04:05",
			},
			{
				re:     regexp.MustCompile(`\[\d{2}/[A-Z][a-z]{2}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}\]`),
				layout: "[02/Jan/2006:15:04:05 -0700]",
			},
			{
				re:     regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
				layout: time.RFC3339,
			},
		},
		year: referenceYear,
	}
}

// FindSpan tries each template in order and returns the first match.
func (d *Default) FindSpan(line string) (Span, bool) {
	for _, t := range d.templates {
		loc := t.re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		return Span{Start: loc[0], End: loc[1], Text: line[loc[0]:loc[1]]}, true
	}
	return Span{}, false
}

// GetUnixTime parses timeLine against whichever template produced it,
// re-trying each layout since the caller only passes the raw span text.
func (d *Default) GetUnixTime(timeLine string) (time.Time, error) {
	for _, t := range d.templates {
		if !t.re.MatchString(timeLine) {
			continue
		}
		text := timeLine
		if t.layout == "Jan _2 15:04:05" {
			parsed, err := time.Parse(t.layout, text)
			if err != nil {
				continue
			}
			return time.Date(d.year, parsed.Month(), parsed.Day(),
				parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.Local), nil
		}
		parsed, err := time.Parse(t.layout, text)
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, &DateParseError{Line: timeLine}
}
