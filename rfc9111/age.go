package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.3.  Calculating Age
// §
// §  Age calculation uses the following data:
// §
// §  "age_value"  the value of the Age header field, ... or 0, if not available.
// §  "date_value" the value of the Date header field ...
// §  "now"        the current value of this implementation's clock ...
// §  "request_time"  the value of the clock at the time of the request that
// §                  resulted in the stored response.
// §  "response_time" the value of the clock at the time the response was received.

func age_value(h http.Header) time.Duration {
	// §  Although it is defined as a singleton header field, a cache
	// §  encountering a message with a list-based Age field value SHOULD
	// §  use the first member of the field value, discarding subsequent ones.
	if ageStr := h.Get("Age"); ageStr != "" {
		return deltaSeconds(ageStr)
	}
	return 0
}

func date_value(h http.Header, responseTime time.Time) time.Time {
	if dateHeader := h.Get("Date"); dateHeader != "" {
		if date, err := HttpDate(dateHeader); err == nil {
			return date
		}
	}
	// stored responses get a Date header on admission, so this fallback
	// only fires for malformed dates
	return responseTime
}

// §    apparent_age = max(0, response_time - date_value);
func apparent_age(h http.Header, responseTime time.Time) time.Duration {
	return durationMax(0, responseTime.Sub(date_value(h, responseTime)))
}

// §    response_delay = response_time - request_time;
// §    corrected_age_value = age_value + response_delay;
func corrected_age_value(h http.Header, requestTime, responseTime time.Time) time.Duration {
	return age_value(h) + responseTime.Sub(requestTime)
}

// §    corrected_initial_age = max(apparent_age, corrected_age_value);
func corrected_initial_age(h http.Header, requestTime, responseTime time.Time) time.Duration {
	return durationMax(
		apparent_age(h, responseTime),
		corrected_age_value(h, requestTime, responseTime))
}

// §    resident_time = now - response_time;
// §    current_age = corrected_initial_age + resident_time;
func currentAge(h http.Header, requestTime, responseTime time.Time, now time.Time) time.Duration {
	return corrected_initial_age(h, requestTime, responseTime) + now.Sub(responseTime)
}

// CurrentAge returns the current_age of a stored response per Section 4.2.3.
func CurrentAge(h http.Header, requestTime, responseTime time.Time) time.Duration {
	return currentAge(h, requestTime, responseTime, time.Now())
}

func durationMax(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
