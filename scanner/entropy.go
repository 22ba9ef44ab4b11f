package scanner

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// EntropyChunkSize is the window used to locate high-entropy regions.
	EntropyChunkSize = 4096
	// SuspiciousEntropy is the bits-per-byte level a chunk must exceed.
	SuspiciousEntropy = 7.5
)

// Region is a half-open byte range [Start, End) of the sample.
type Region struct {
	Start uint64
	End   uint64
}

func (r Region) Len() uint64 { return r.End - r.Start }

// MarshalJSON encodes the region as a [start, end] pair.
func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{r.Start, r.End})
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] < pair[0] {
		return fmt.Errorf("invalid region [%d, %d]", pair[0], pair[1])
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// EntropyReport summarizes the byte distribution of a sample.
type EntropyReport struct {
	MeanEntropy       float64  `json:"mean_entropy"`
	SuspiciousRegions []Region `json:"suspicious_regions"`
}

// SuspiciousBytes totals the bytes covered by suspicious regions.
func (r EntropyReport) SuspiciousBytes() uint64 {
	var total uint64
	for _, region := range r.SuspiciousRegions {
		total += region.Len()
	}
	return total
}

// AnalyzeEntropy computes the Shannon entropy of data and flags every
// 4096-byte chunk whose own entropy exceeds SuspiciousEntropy. The final
// chunk may be shorter. Regions are ascending and never overlap.
func AnalyzeEntropy(data []byte) EntropyReport {
	report := EntropyReport{SuspiciousRegions: []Region{}}
	if len(data) == 0 {
		return report
	}
	report.MeanEntropy = shannon(data)
	for start := 0; start < len(data); start += EntropyChunkSize {
		end := min(start+EntropyChunkSize, len(data))
		if shannon(data[start:end]) > SuspiciousEntropy {
			report.SuspiciousRegions = append(report.SuspiciousRegions, Region{Start: uint64(start), End: uint64(end)})
		}
	}
	return report
}

func shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	var h float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}
