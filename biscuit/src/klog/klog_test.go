package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelGateSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	Info("should be suppressed")
	Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("Info logged below the Warn gate: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("Warn not logged at its own level: %q", out)
	}
}

func TestLevelFromSymbol(t *testing.T) {
	cases := map[byte]Level{'t': LevelTrace, 'D': LevelDebug, 'i': LevelInfo, 'W': LevelWarn, 'e': LevelError}
	for c, want := range cases {
		got, ok := LevelFromSymbol(c)
		if !ok || got != want {
			t.Fatalf("LevelFromSymbol(%q) = (%v, %v), want (%v, true)", c, got, ok, want)
		}
	}
	if _, ok := LevelFromSymbol('x'); ok {
		t.Fatalf("LevelFromSymbol('x') should fail")
	}
}

func TestStats2StringFormatsExportedFields(t *testing.T) {
	type counters struct {
		Hits   *Counter
		Misses *Counter
	}
	c := &counters{Hits: &Counter{}, Misses: &Counter{}}
	c.Hits.Add(3)
	got := Stats2String(c)
	if !strings.Contains(got, "Hits=3") {
		t.Fatalf("Stats2String = %q, want it to mention Hits=3", got)
	}
}

func TestDistinctCallerOnceFiresOncePerChain(t *testing.T) {
	var d DistinctCaller
	// Both calls come from the same call site, so they share one chain.
	var seen [2]bool
	for i := range seen {
		seen[i] = d.Once(0)
	}
	first, second := seen[0], seen[1]
	if !first {
		t.Fatalf("first Once() call should report a new chain")
	}
	if second {
		t.Fatalf("second Once() call from the same chain should report false")
	}
}
