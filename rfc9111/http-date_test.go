package rfc9111

import (
	"testing"
	"time"
)

func TestDeltaSeconds(t *testing.T) {
	if d := deltaSeconds("60"); d != 60*time.Second {
		t.Fatalf("Delta seconds is %v", d)
	}
	if d := deltaSeconds("0"); d != 0 {
		t.Fatalf("Delta seconds is %v", d)
	}
	// non-numeric and negative values mean "no value", never an error
	if d := deltaSeconds("abc"); d != 0 {
		t.Fatalf("Delta seconds is %v", d)
	}
	if d := deltaSeconds("-5"); d != 0 {
		t.Fatalf("Delta seconds is %v", d)
	}
}

func TestToDeltaSeconds(t *testing.T) {
	if s := toDeltaSeconds(5 * time.Second); s != "5" {
		t.Fatalf("Delta seconds is %s", s)
	}
	if s := toDeltaSeconds(1500 * time.Millisecond); s != "1" {
		t.Fatalf("Delta seconds is %s", s)
	}
	if s := toDeltaSeconds(-3 * time.Second); s != "0" {
		t.Fatalf("Delta seconds is %s", s)
	}
}

func TestHttpDateIMF(t *testing.T) {
	date, err := HttpDate("Thu, 18 Aug 2050 02:01:18 GMT")
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
	if want := time.Date(2050, 8, 18, 2, 1, 18, 0, time.UTC); !date.Equal(want) {
		t.Fatalf("Date is %v", date)
	}
}

func TestHttpDateRFC850(t *testing.T) {
	date, err := HttpDate("Thursday, 18-Aug-50 02:01:18 GMT")
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
	if want := time.Date(2050, 8, 18, 2, 1, 18, 0, time.UTC); !date.Equal(want) {
		t.Fatalf("Date is %v", date)
	}
}

func TestHttpDateANSIC(t *testing.T) {
	date, err := HttpDate("Thu Aug 18 02:01:18 2050")
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
	if want := time.Date(2050, 8, 18, 2, 1, 18, 0, time.UTC); !date.Equal(want) {
		t.Fatalf("Date is %v", date)
	}
}

// §  Note that Section 4.2 of [CACHING] relaxes this for cache recipients.
func TestHttpDateTZCase(t *testing.T) {
	if _, err := HttpDate("Thu, 18 Aug 2050 02:01:18 gMT"); err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
	if _, err := HttpDate("thu, 18 aug 2050 02:01:18 GMT"); err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
}

func TestHttpDateRejectsNonGMT(t *testing.T) {
	if date, err := HttpDate("Thu, 18 Aug 2050 02:01:18 CET"); err == nil {
		t.Fatalf("Parsed %v from a non-GMT date", date)
	}
}

func TestHttpDateRejectsGarbage(t *testing.T) {
	for _, str := range []string{"", "0", "2050-08-18T02:01:18Z", "next tuesday"} {
		if date, err := HttpDate(str); err == nil {
			t.Fatalf("Parsed %v from '%s'", date, str)
		}
	}
}

func TestToHttpDateRoundTrip(t *testing.T) {
	want := time.Date(2050, 8, 18, 2, 1, 18, 0, time.UTC)
	str := ToHttpDate(want)
	if str != "Thu, 18 Aug 2050 02:01:18 GMT" {
		t.Fatalf("Formatted date is %s", str)
	}
	date, err := HttpDate(str)
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
	if !date.Equal(want) {
		t.Fatalf("Date is %v", date)
	}
}
