package scanner

import (
	"github.com/h2non/filetype"

	"aegis/rules"
)

// MonitorFraction scales the quarantine threshold down to the monitor
// threshold.
const MonitorFraction = 0.6

const (
	regionWeight     = 0.45
	meanWeight       = 0.15
	packedExecWeight = 0.40
	containerDamping = 0.25

	// filetype needs at most this many leading bytes.
	fileTypeHeaderSize = 262
)

// Score is the heuristic confidence that a sample is malicious. It is not
// clamped by Fuse.
type Score float64

// FileClass groups file types by how their entropy should be read.
type FileClass int

const (
	ClassOther FileClass = iota
	// ClassExecutable covers ELF, PE and Mach-O images.
	ClassExecutable
	// ClassContainer covers compressed archives and media, which are
	// expected to look random.
	ClassContainer
)

func (c FileClass) String() string {
	switch c {
	case ClassExecutable:
		return "executable"
	case ClassContainer:
		return "container"
	default:
		return "other"
	}
}

var executableExtensions = map[string]bool{"elf": true, "exe": true, "macho": true}

// Classify identifies the sample's file type from its leading bytes.
// filetype files ELF and PE under archives, so executables are checked
// first.
func Classify(data []byte) (string, FileClass) {
	head := data
	if len(head) > fileTypeHeaderSize {
		head = head[:fileTypeHeaderSize]
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "unknown", ClassOther
	}
	if executableExtensions[kind.Extension] {
		return kind.Extension, ClassExecutable
	}
	if filetype.IsArchive(head) || filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsAudio(head) {
		return kind.Extension, ClassContainer
	}
	return kind.Extension, ClassOther
}

// HeuristicScore blends entropy evidence into a score in [0, 1].
func HeuristicScore(report EntropyReport, class FileClass, sampleLen int) Score {
	if sampleLen <= 0 {
		return 0
	}
	fraction := float64(report.SuspiciousBytes()) / float64(sampleLen)
	if fraction > 1 {
		fraction = 1
	}
	entropyTerm := regionWeight * fraction
	if report.MeanEntropy > 7.0 {
		entropyTerm += meanWeight * (min(report.MeanEntropy, 8.0) - 7.0)
	}

	score := entropyTerm
	switch class {
	case ClassContainer:
		score = entropyTerm * containerDamping
	case ClassExecutable:
		if len(report.SuspiciousRegions) > 0 {
			score += packedExecWeight
		}
	}
	return Score(min(score, 1.0))
}

// Fuse turns signature matches and a heuristic score into an action. Any
// signature match quarantines regardless of score.
func Fuse(matches []rules.Match, score Score, threshold float64) Action {
	switch {
	case len(matches) > 0:
		return Quarantine
	case float64(score) >= threshold:
		return Quarantine
	case float64(score) >= MonitorFraction*threshold:
		return Monitor
	default:
		return Allow
	}
}
