package commandgateway

import (
	"strings"
	"testing"
)

func TestSanitizeOutputStripsControlChars(t *testing.T) {
	raw := []byte("hello\x01\x02 world\ntab\there\r\n")
	got := SanitizeOutput(raw)
	if strings.ContainsRune(got, 0x01) {
		t.Fatal("expected control chars stripped")
	}
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") || !strings.Contains(got, "tab\there") {
		t.Fatalf("expected printable content preserved, got: %q", got)
	}
}

func TestSanitizeOutputCollapsesBinary(t *testing.T) {
	raw := make([]byte, 200)
	for i := range raw {
		raw[i] = byte(i % 256)
	}
	got := SanitizeOutput(raw)
	if !strings.HasPrefix(got, "[Binary output detected") {
		t.Fatalf("expected binary summary, got: %q", got)
	}
}

func TestSanitizeOutputLeavesShortWeirdBytesAlone(t *testing.T) {
	raw := []byte{0x01, 0x02, 'h', 'i'}
	got := SanitizeOutput(raw)
	if strings.HasPrefix(got, "[Binary output detected") {
		t.Fatal("short input should not trigger the binary summary")
	}
}

func TestTruncateClampsAndMarks(t *testing.T) {
	got := Truncate(strings.Repeat("a", 100), 10)
	if len(got) <= 10 {
		t.Fatal("expected truncation marker appended")
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Fatalf("expected truncation suffix, got: %q", got)
	}
}

func TestTruncateNoopUnderLimit(t *testing.T) {
	in := "short"
	if got := Truncate(in, 100); got != in {
		t.Fatalf("expected no change, got: %q", got)
	}
}

func TestTruncateClampsMinimumToOne(t *testing.T) {
	got := Truncate("hello", 0)
	if got == "" {
		t.Fatal("expected at least one rune retained")
	}
}
