package diag

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogfWritesPrefixedLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Logf("collected %d objects", 3)

	out := buf.String()
	if !strings.Contains(out, "[umka ") {
		t.Errorf("expected session prefix, got %q", out)
	}
	if !strings.Contains(out, "collected 3 objects") {
		t.Errorf("expected formatted message, got %q", out)
	}
}

func TestTwoLoggersGetDistinctSessionIDs(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	New(&buf1).Logf("x")
	New(&buf2).Logf("x")

	if buf1.String() == buf2.String() {
		t.Errorf("expected distinct session prefixes, both were %q", buf1.String())
	}
}

func TestBytesRendersHumanReadable(t *testing.T) {
	if got := Bytes(3 * 1024 * 1024); got == "3145728" {
		t.Errorf("expected humanized output, got raw bytes %q", got)
	}
}

func TestCommaRendersThousandsSeparators(t *testing.T) {
	if got := Comma(1234567); got != "1,234,567" {
		t.Errorf("got %q, want %q", got, "1,234,567")
	}
}
