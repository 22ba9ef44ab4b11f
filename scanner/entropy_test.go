package scanner

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
)

func pseudoRandom(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*137 + 251) % 256)
	}
	return data
}

func TestAnalyzeEntropyPseudoRandom(t *testing.T) {
	report := AnalyzeEntropy(pseudoRandom(8192))
	if report.MeanEntropy <= 7.0 {
		t.Fatalf("expected mean entropy above 7, got %f", report.MeanEntropy)
	}
	want := []Region{{0, 4096}, {4096, 8192}}
	if len(report.SuspiciousRegions) != len(want) {
		t.Fatalf("expected %v, got %v", want, report.SuspiciousRegions)
	}
	for i := range want {
		if report.SuspiciousRegions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, report.SuspiciousRegions)
		}
	}
}

func TestAnalyzeEntropyLowEntropy(t *testing.T) {
	report := AnalyzeEntropy(bytes.Repeat([]byte{'A'}, 10000))
	if report.MeanEntropy != 0 || len(report.SuspiciousRegions) != 0 {
		t.Fatalf("expected zero entropy without regions, got %+v", report)
	}
	empty := AnalyzeEntropy(nil)
	if empty.MeanEntropy != 0 || len(empty.SuspiciousRegions) != 0 {
		t.Fatalf("expected empty report, got %+v", empty)
	}
}

func TestAnalyzeEntropyTrailingChunk(t *testing.T) {
	data := append(bytes.Repeat([]byte{0}, EntropyChunkSize), pseudoRandom(2048)...)
	report := AnalyzeEntropy(data)
	if len(report.SuspiciousRegions) != 1 {
		t.Fatalf("expected one region, got %v", report.SuspiciousRegions)
	}
	r := report.SuspiciousRegions[0]
	if r.Start != EntropyChunkSize || r.End != uint64(len(data)) {
		t.Fatalf("unexpected region %v", r)
	}
	if report.MeanEntropy <= 0 || report.MeanEntropy >= 8 || math.IsNaN(report.MeanEntropy) {
		t.Fatalf("unexpected mean %f", report.MeanEntropy)
	}
}

func TestEntropyReportJSON(t *testing.T) {
	report := EntropyReport{MeanEntropy: 7.9, SuspiciousRegions: []Region{{0, 4096}}}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"mean_entropy":7.9,"suspicious_regions":[[0,4096]]}` {
		t.Fatalf("unexpected json %s", data)
	}
	var decoded EntropyReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.SuspiciousRegions[0] != report.SuspiciousRegions[0] {
		t.Fatalf("region mismatch: %v", decoded.SuspiciousRegions)
	}
	if err := json.Unmarshal([]byte(`[9,3]`), &Region{}); err == nil {
		t.Fatal("expected error for inverted region")
	}
}
