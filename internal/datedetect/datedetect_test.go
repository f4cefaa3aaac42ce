package datedetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSpan_SyslogFormat(t *testing.T) {
	d := NewDefault(2024)
	line := "Jan 15 10:23:45 host sshd[123]: Failed password for root from 10.0.0.1 port 22"
	span, ok := d.FindSpan(line)
	require.True(t, ok)
	assert.Equal(t, "Jan 15 10:23:45", span.Text)
	assert.Equal(t, line[:span.Start]+line[span.End:], " host sshd[123]: Failed password for root from 10.0.0.1 port 22")
}

func TestGetUnixTime_SyslogUsesReferenceYear(t *testing.T) {
	d := NewDefault(2024)
	parsed, err := d.GetUnixTime("Jan 15 10:23:45")
	require.NoError(t, err)
	assert.Equal(t, 2024, parsed.Year())
	assert.Equal(t, time.January, parsed.Month())
	assert.Equal(t, 15, parsed.Day())
	assert.Equal(t, 10, parsed.Hour())
	assert.Equal(t, 23, parsed.Minute())
	assert.Equal(t, 45, parsed.Second())
}

func TestFindSpan_CombinedLogFormat(t *testing.T) {
	d := NewDefault(2024)
	line := `127.0.0.1 - - [10/Oct/2023:13:55:36 -0700] "GET / HTTP/1.1" 200 1234`
	span, ok := d.FindSpan(line)
	require.True(t, ok)
	assert.Equal(t, "[10/Oct/2023:13:55:36 -0700]", span.Text)

	parsed, err := d.GetUnixTime(span.Text)
	require.NoError(t, err)
	assert.Equal(t, 2023, parsed.Year())
	assert.Equal(t, time.October, parsed.Month())
	assert.Equal(t, 10, parsed.Day())
}

func TestFindSpan_RFC3339(t *testing.T) {
	d := NewDefault(2024)
	line := "2024-03-05T08:15:30Z some-service: connection refused from 198.51.100.2"
	span, ok := d.FindSpan(line)
	require.True(t, ok)

	parsed, err := d.GetUnixTime(span.Text)
	require.NoError(t, err)
	assert.Equal(t, 2024, parsed.Year())
	assert.Equal(t, time.March, parsed.Month())
	assert.Equal(t, 5, parsed.Day())
}

func TestFindSpan_NoTimestampFound(t *testing.T) {
	d := NewDefault(2024)
	_, ok := d.FindSpan("no timestamp present in this line at all")
	assert.False(t, ok)
}

func TestGetUnixTime_UnparseableReturnsDateParseError(t *testing.T) {
	d := NewDefault(2024)
	_, err := d.GetUnixTime("not a timestamp")
	require.Error(t, err)
	var dpe *DateParseError
	assert.ErrorAs(t, err, &dpe)
}
