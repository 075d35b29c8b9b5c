package rfc9111

import (
	"math"
	"testing"
	"time"
)

func TestParseReal(t *testing.T) {
	cc := ParseCacheControl([]string{"public, max-age=0, s-maxage=600"})
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("max-age"); !ok || val != "0" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("s-maxage"); !ok || val != "600" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
}

func TestParseDirectiveCase(t *testing.T) {
	cc := ParseCacheControl([]string{"Max-Age=60, NO-STORE"})
	if !cc.HasDirective("max-age") || !cc.HasDirective("no-store") {
		t.Fatal("Directive names should compare case-insensitively")
	}
}

func TestParseQuotedArgument(t *testing.T) {
	cc := ParseCacheControl([]string{`no-cache="Set-Cookie", max-age="60"`})
	if val, _ := cc.Get("no-cache"); val != "Set-Cookie" {
		t.Fatalf("Value is %s", val)
	}
	if age, ok := cc.MaxAge(); !ok || age != 60*time.Second {
		t.Fatalf("Age is %v", age)
	}
}

func TestParseRepeatedDirective(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=30", "max-age=60"})
	if age, _ := cc.MaxAge(); age != 60*time.Second {
		t.Fatalf("Age is %v, last definition should win", age)
	}
}

func TestParseEmptyItems(t *testing.T) {
	cc := ParseCacheControl([]string{" , public,, max-age=5 ,"})
	if !cc.HasDirective("public") {
		t.Fatal("public not found")
	}
	if age, _ := cc.MaxAge(); age != 5*time.Second {
		t.Fatalf("Age is %v", age)
	}
	if cc.HasDirective("") {
		t.Fatal("Empty directive should be dropped")
	}
}

func TestDeltaSecondsDirectives(t *testing.T) {
	cc := ParseCacheControl([]string{
		"s-maxage=600, max-age=60, min-fresh=10, stale-while-revalidate=30, stale-if-error=120",
	})
	if val, ok := cc.SMaxAge(); !ok || val != 600*time.Second {
		t.Fatalf("s-maxage is %v", val)
	}
	if val, ok := cc.MaxAge(); !ok || val != 60*time.Second {
		t.Fatalf("max-age is %v", val)
	}
	if val, ok := cc.MinFresh(); !ok || val != 10*time.Second {
		t.Fatalf("min-fresh is %v", val)
	}
	if val, ok := cc.StaleWhileRevalidate(); !ok || val != 30*time.Second {
		t.Fatalf("stale-while-revalidate is %v", val)
	}
	if val, ok := cc.StaleIfError(); !ok || val != 120*time.Second {
		t.Fatalf("stale-if-error is %v", val)
	}
}

func TestDirectiveWithoutValue(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age"})
	if val, ok := cc.MaxAge(); ok || val != 0 {
		t.Fatalf("val: %v, ok: %v", val, ok)
	}
	if !cc.HasDirective("max-age") {
		t.Fatal("Directive should still be present")
	}
}

func TestMaxStale(t *testing.T) {
	if val, ok := ParseCacheControl([]string{"max-stale=60"}).MaxStale(); !ok || val != 60*time.Second {
		t.Fatalf("val: %v, ok: %v", val, ok)
	}
	// §  If no value is assigned to max-stale, then the client will accept
	// §  a stale response of any age.
	if val, ok := ParseCacheControl([]string{"max-stale"}).MaxStale(); !ok || val != time.Duration(math.MaxInt64) {
		t.Fatalf("val: %v, ok: %v", val, ok)
	}
	if _, ok := ParseCacheControl(nil).MaxStale(); ok {
		t.Fatal("max-stale reported without the directive")
	}
}
