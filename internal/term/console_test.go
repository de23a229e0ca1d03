package term

import (
	"strings"
	"testing"
)

func TestTranscriptStripsControlSequences(t *testing.T) {
	c := NewCapture(80, 24)
	defer c.Close()

	if _, err := c.Write([]byte("\x1b[1;32mlogin:\x1b[0m ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := c.Transcript()
	if got != "login: " {
		t.Fatalf("transcript %q", got)
	}
}

func TestTranscriptAccumulates(t *testing.T) {
	c := NewCapture(0, 0) // defaults
	defer c.Close()

	lines := []string{"[    0.000000] Booting Linux\r\n", "buildroot login: "}
	for _, l := range lines {
		if _, err := c.Write([]byte(l)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got := c.Transcript()
	if !strings.Contains(got, "Booting Linux") || !strings.HasSuffix(got, "login: ") {
		t.Fatalf("transcript %q", got)
	}
}
