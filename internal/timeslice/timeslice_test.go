package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	testKindA = RegisterKind("test_guest", SliceFlagGuestTime)
	testKindB = RegisterKind("test_boot", SliceFlagBootTime)
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c, err := Open(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	Record(testKindA, 5*time.Millisecond)
	Record(testKindB, 250*time.Microsecond)
	Record(testKindA, time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	type rec struct {
		name string
		dur  time.Duration
	}
	var got []rec
	err = ReadAllRecords(&buf, func(name string, flags SliceFlags, d time.Duration) error {
		got = append(got, rec{name: name, dur: d})
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("%d records", len(got))
	}
	if got[0].name != "test_guest" || got[0].dur != 5*time.Millisecond {
		t.Fatalf("first record %+v", got[0])
	}
	if got[1].name != "test_boot" {
		t.Fatalf("second record %+v", got[1])
	}
}

func TestRecordWithoutOpenIsNoop(t *testing.T) {
	// Must not panic or block.
	Record(testKindA, time.Millisecond)
}

func TestFlagsString(t *testing.T) {
	if s := (SliceFlagGuestTime | SliceFlagBootTime).String(); s != "guest,boot" {
		t.Fatalf("flags %q", s)
	}
}
