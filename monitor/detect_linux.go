//go:build linux

package monitor

import (
	"os"

	"golang.org/x/sys/unix"
)

func DefaultDetector() Detector {
	return Detector{
		Supported: true,
		Capget:    capgetEffective,
		ReadStatus: func() ([]byte, error) {
			return os.ReadFile("/proc/self/status")
		},
	}
}

func capgetEffective() (uint64, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return 0, err
	}
	return uint64(data[0].Effective) | uint64(data[1].Effective)<<32, nil
}
