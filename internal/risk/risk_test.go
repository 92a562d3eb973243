package risk_test

import (
	"testing"

	"permitline/internal/risk"
)

func TestComputeScoreIsProduct(t *testing.T) {
	for p := 1; p <= 5; p++ {
		for s := 1; s <= 5; s++ {
			a, err := risk.Compute(p, s)
			if err != nil {
				t.Fatalf("compute(%d,%d): %v", p, s, err)
			}
			if a.Score != p*s {
				t.Fatalf("compute(%d,%d): score %d, want %d", p, s, a.Score, p*s)
			}
			// deterministic: second call must agree
			b, _ := risk.Compute(p, s)
			if b != a {
				t.Fatalf("compute(%d,%d) not deterministic: %+v vs %+v", p, s, a, b)
			}
		}
	}
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		score int
		want  risk.Band
	}{
		{1, risk.BandLow},
		{4, risk.BandLow},
		{5, risk.BandMedium},
		{9, risk.BandMedium},
		{10, risk.BandHigh},
		{16, risk.BandHigh},
		{17, risk.BandExtreme},
		{25, risk.BandExtreme},
	}
	for _, c := range cases {
		if got := risk.BandFor(c.score); got != c.want {
			t.Fatalf("band for %d: got %s, want %s", c.score, got, c.want)
		}
	}
}

func TestHighProbabilityHighSeverity(t *testing.T) {
	a, err := risk.Compute(4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if a.Score != 20 || a.Band != risk.BandExtreme {
		t.Fatalf("got score=%d band=%s, want 20/extreme", a.Score, a.Band)
	}
}

func TestOutOfRangeRejected(t *testing.T) {
	for _, pair := range [][2]int{{0, 3}, {6, 3}, {3, 0}, {3, 6}, {-1, -1}} {
		if _, err := risk.Compute(pair[0], pair[1]); err == nil {
			t.Fatalf("compute(%d,%d): expected error", pair[0], pair[1])
		}
	}
}
