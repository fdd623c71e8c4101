package zonerank

import (
	"context"
	"testing"
	"time"
)

var threeZones = []string{"AD-1", "AD-2", "AD-3"}

func TestRankEmptyScriptKeepsOrder(t *testing.T) {
	r := New("")
	got, err := r.Rank(context.Background(), "a1-flex", threeZones)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	assertOrder(t, got, "AD-1", "AD-2", "AD-3")
}

func TestRankReorders(t *testing.T) {
	r := New(`ranked = list(reversed(zones))`)
	got, err := r.Rank(context.Background(), "a1-flex", threeZones)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	assertOrder(t, got, "AD-3", "AD-2", "AD-1")
}

func TestRankUsesFailureStats(t *testing.T) {
	script := `
ranked = sorted(zones, key=lambda z: failures.get(z, 0))
`
	stats := func(ctx context.Context) (map[string]int, error) {
		return map[string]int{"AD-1": 9, "AD-2": 1, "AD-3": 4}, nil
	}
	r := New(script, WithStats(stats))
	got, err := r.Rank(context.Background(), "a1-flex", threeZones)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	assertOrder(t, got, "AD-2", "AD-3", "AD-1")
}

func TestRankSeesProfile(t *testing.T) {
	script := `
ranked = zones if profile != "a1-flex" else ["AD-2", "AD-1", "AD-3"]
`
	r := New(script)
	got, err := r.Rank(context.Background(), "a1-flex", threeZones)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	assertOrder(t, got, "AD-2", "AD-1", "AD-3")
}

func TestRankDropsInventedZones(t *testing.T) {
	r := New(`ranked = ["AD-9", "AD-2"]`)
	got, err := r.Rank(context.Background(), "a1-flex", threeZones)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	// AD-9 is not configured; omitted zones come back in original order.
	assertOrder(t, got, "AD-2", "AD-1", "AD-3")
}

func TestRankRejectsBadExport(t *testing.T) {
	r := New(`ranked = "AD-1"`)
	if _, err := r.Rank(context.Background(), "a1-flex", threeZones); err == nil {
		t.Fatal("Rank accepted a non-list export")
	}
}

func TestRankMissingExport(t *testing.T) {
	r := New(`x = 1`)
	if _, err := r.Rank(context.Background(), "a1-flex", threeZones); err == nil {
		t.Fatal("Rank accepted a hook without 'ranked'")
	}
}

func TestRankScriptError(t *testing.T) {
	r := New(`ranked = undefined_name`)
	if _, err := r.Rank(context.Background(), "a1-flex", threeZones); err == nil {
		t.Fatal("Rank swallowed a script error")
	}
}

func TestRankTimeout(t *testing.T) {
	script := `
def spin():
    x = 0
    for i in range(1000000000):
        x += i
    return x

_ = spin()
ranked = zones
`
	r := New(script, WithTimeout(50*time.Millisecond))
	if _, err := r.Rank(context.Background(), "a1-flex", threeZones); err == nil {
		t.Fatal("Rank did not time out")
	}
}

func assertOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ranked = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ranked = %v, want %v", got, want)
		}
	}
}
