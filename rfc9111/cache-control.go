package rfc9111

import (
	"math"
	"strings"
	"time"
)

// §  5.2. Cache-Control
// §
// §    Cache-Control   = #cache-directive
// §
// §    cache-directive = token [ "=" ( token / quoted-string ) ]
// §
// §  Cache directives are identified by a token, to be compared
// §  case-insensitively, and have an optional argument that can use both
// §  token and quoted-string syntax.

type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of CacheControl.
// Unparsable directives are dropped rather than treated as errors.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	// when a directive repeats, the last definition wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			// §  ...compared case-insensitively...
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				// §  ...argument that can use both token and quoted-string syntax.
				arg = strings.Trim(parts[1], "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// MaxAge returns the max-age directive value (Section 5.2.2.1).
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

// SMaxAge returns the s-maxage directive value (Section 5.2.2.10).
// In a shared cache it takes precedence over max-age and Expires.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

// MinFresh returns the min-fresh request directive value (Section 5.2.1.3).
func (c CacheControl) MinFresh() (time.Duration, bool) {
	return c.getDeltaSeconds("min-fresh")
}

// MaxStale returns the max-stale request directive value (Section 5.2.1.2).
// The boolean is true when the directive is present; a directive without
// an argument means any staleness is acceptable.
func (c CacheControl) MaxStale() (time.Duration, bool) {
	if d, ok := c.getDeltaSeconds("max-stale"); ok {
		return d, true
	}
	if c.HasDirective("max-stale") {
		// §  If no value is assigned to max-stale, then the client
		// §  will accept a stale response of any age.
		return time.Duration(math.MaxInt64), true
	}
	return 0, false
}

// StaleWhileRevalidate returns the stale-while-revalidate directive value
// (RFC 5861, Section 3).
func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return c.getDeltaSeconds("stale-while-revalidate")
}

// StaleIfError returns the stale-if-error directive value
// (RFC 5861, Section 4).
func (c CacheControl) StaleIfError() (time.Duration, bool) {
	return c.getDeltaSeconds("stale-if-error")
}

// getDeltaSeconds returns the "delta-seconds" argument as time.Duration,
// and a boolean indicating whether the directive was set with a value.
//
// Examples:
// directive    -> 0,  false
// directive=0  -> 0,  true
// directive=60 -> 60s, true
func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		return deltaSeconds(secondsStr), true
	}
	return 0, false
}
