package rfc9111

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// §  1.2.2. Delta Seconds
// §
// §      delta-seconds  = 1*DIGIT
//
// Non-numeric or negative values parse to zero, which downstream
// arithmetic treats as "no value".
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(secondsStr, 10, 32); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

func toDeltaSeconds(duration time.Duration) string {
	if duration < 0 {
		duration = 0
	}
	return strconv.FormatInt(int64(duration.Seconds()), 10)
}

// §  5.6.7.  Date/Time Formats  (RFC 9110)
// §
// §    HTTP-date    = IMF-fixdate / obs-date
// §
// §  A recipient that parses a timestamp value in an HTTP field MUST
// §  accept all three HTTP-date formats.  When a sender generates a field
// §  that contains one or more timestamps defined as HTTP-date, the sender
// §  MUST generate those timestamps in the IMF-fixdate format.

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// HttpDate parses an HTTP-date in any of the three allowed formats.
func HttpDate(dateStr string) (time.Time, error) {
	if date, err := imfDate(dateStr); err == nil {
		return date, nil
	}
	return obsDate(dateStr)
}

// ToHttpDate formats a time in the IMF-fixdate format. The zone is the
// literal "GMT": formatting the abbreviation of time.UTC would produce
// "UTC", which IMF-fixdate does not allow.
func ToHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

func imfDate(dateStr string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, normalizeDateStr(dateStr))
	if err != nil {
		return date, err
	}
	if date.Location().String() != "GMT" {
		return date, fmt.Errorf("date %s is not in GMT time, but %s", date, date.Location())
	}
	return date, nil
}

func obsDate(dateStr string) (time.Time, error) {
	str := normalizeDateStr(dateStr)
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date, nil
	}
	return time.Parse(time.ANSIC, str)
}

// §  HTTP-date is case sensitive.  Note that Section 4.2 of [CACHING]
// §  relaxes this for cache recipients.
func normalizeDateStr(dateStr string) string {
	return strings.ToUpper(dateStr)
}
