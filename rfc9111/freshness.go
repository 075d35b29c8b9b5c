package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.1.  Calculating Freshness Lifetime
// §
// §  A cache can calculate the freshness lifetime (denoted as
// §  freshness_lifetime) of a response by evaluating the following rules
// §  and using the first match:
//
// FreshnessLifetime returns the lifetime and whether the response carries
// any usable freshness information. No information, or information that
// does not parse, yields (0, false): the caller treats the response as
// immediately stale rather than erroring.
func FreshnessLifetime(h http.Header) (time.Duration, bool) {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	// §  *  If the cache is shared and the s-maxage response directive is
	// §     present, use its value, or
	if val, ok := cc.SMaxAge(); ok {
		return val, true
	}
	// §  *  If the max-age response directive is present, use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	// §  *  If the Expires response header field is present, use its value
	// §     minus the value of the Date response header field ...
	if expiresStr := h.Get("Expires"); expiresStr != "" {
		expires, err := HttpDate(expiresStr)
		if err != nil {
			// §  A cache recipient MUST interpret invalid date formats,
			// §  especially the value "0", as representing a time in the
			// §  past (i.e., "already expired").
			return 0, true
		}
		if date, err := HttpDate(h.Get("Date")); err == nil {
			return durationMax(0, expires.Sub(date)), true
		}
		return 0, true
	}
	// §  *  Otherwise, no explicit expiration time is present in the response.
	return 0, false
}

// SatisfiesRequestFreshness checks the freshness constraints the client
// attached to its request (Section 5.2.1): max-age caps the acceptable
// age, min-fresh demands a remaining lifetime. Responses failing either
// must be revalidated even when fresh by the response's own lifetime.
func SatisfiesRequestFreshness(reqCC CacheControl, age, lifetime time.Duration) bool {
	if maxAge, ok := reqCC.MaxAge(); ok && age > maxAge {
		return false
	}
	if minFresh, ok := reqCC.MinFresh(); ok && age+minFresh > lifetime {
		return false
	}
	return true
}

// TimeToLive returns the remaining freshness of a stored response in whole
// seconds. Negative values mean the response is already stale.
func TimeToLive(h http.Header, requestTime, responseTime time.Time) int {
	lifetime, _ := FreshnessLifetime(h)
	return int((lifetime - CurrentAge(h, requestTime, responseTime)).Seconds())
}
