//go:build !linux

package monitor

// DefaultDetector reports no permission support off Linux.
func DefaultDetector() Detector {
	return Detector{}
}
