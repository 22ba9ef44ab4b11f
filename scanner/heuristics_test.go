package scanner

import (
	"testing"

	"aegis/rules"
)

func TestFuseSignatureOverride(t *testing.T) {
	matches := []rules.Match{{Rule: "Any"}}
	for _, score := range []Score{0, 0.3, 1} {
		for _, threshold := range []float64{0, 0.5, 1} {
			if got := Fuse(matches, score, threshold); got != Quarantine {
				t.Fatalf("score=%v threshold=%v: expected quarantine, got %s", score, threshold, got)
			}
		}
	}
}

func TestFuseBands(t *testing.T) {
	cases := []struct {
		score     Score
		threshold float64
		want      Action
	}{
		{0.8, 0.8, Quarantine},
		{0.79, 0.8, Monitor},
		{0.48, 0.8, Monitor},
		{0.47, 0.8, Allow},
		{0, 0, Quarantine},
		{0, 1, Allow},
		{1, 1, Quarantine},
	}
	for _, tc := range cases {
		if got := Fuse(nil, tc.score, tc.threshold); got != tc.want {
			t.Fatalf("score=%v threshold=%v: expected %s, got %s", tc.score, tc.threshold, tc.want, got)
		}
	}
}

func TestFuseThresholdMonotonic(t *testing.T) {
	for s := 0; s <= 20; s++ {
		score := Score(float64(s) / 20)
		prev := Quarantine
		for th := 0; th <= 100; th++ {
			got := Fuse(nil, score, float64(th)/100)
			if got > prev {
				t.Fatalf("score %v: action rose from %s to %s at threshold %v", score, prev, got, float64(th)/100)
			}
			prev = got
		}
	}
}

func TestHeuristicScore(t *testing.T) {
	random := pseudoRandom(8192)
	report := AnalyzeEntropy(random)

	other := HeuristicScore(report, ClassOther, len(random))
	if other < 0.59 || other > 0.61 {
		t.Fatalf("expected random data to score 0.6, got %v", other)
	}
	if exec := HeuristicScore(report, ClassExecutable, len(random)); exec < 0.99 {
		t.Fatalf("expected packed executable to score 1, got %v", exec)
	}
	if container := HeuristicScore(report, ClassContainer, len(random)); container >= other/2 {
		t.Fatalf("expected container damping, got %v", container)
	}
	hello := []byte("Hello, world!")
	if got := HeuristicScore(AnalyzeEntropy(hello), ClassOther, len(hello)); got != 0 {
		t.Fatalf("expected zero score for text, got %v", got)
	}
	if got := HeuristicScore(EntropyReport{}, ClassExecutable, 0); got != 0 {
		t.Fatalf("expected zero score for empty sample, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	elf := append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 64)...)
	if name, class := Classify(elf); class != ClassExecutable || name != "elf" {
		t.Fatalf("expected elf executable, got %s/%s", name, class)
	}
	gz := append([]byte{0x1f, 0x8b, 0x08}, make([]byte, 32)...)
	if _, class := Classify(gz); class != ClassContainer {
		t.Fatalf("expected gzip container, got %s", class)
	}
	if name, class := Classify([]byte("Hello, world!")); class != ClassOther || name != "unknown" {
		t.Fatalf("expected unknown text, got %s/%s", name, class)
	}
}

func TestActionText(t *testing.T) {
	for _, a := range []Action{Allow, Monitor, Quarantine} {
		text, err := a.MarshalText()
		if err != nil {
			t.Fatalf("marshal %d: %v", a, err)
		}
		var back Action
		if err := back.UnmarshalText(text); err != nil || back != a {
			t.Fatalf("round trip of %s gave %s (%v)", a, back, err)
		}
	}
	if _, err := Action(7).MarshalText(); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if !(Allow < Monitor && Monitor < Quarantine) {
		t.Fatal("actions must be ordered by severity")
	}
}
