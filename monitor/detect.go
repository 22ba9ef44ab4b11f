package monitor

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"aegis/logger"
)

const capSysAdmin = 21

// Detector decides whether this process may intercept file access.
type Detector struct {
	// Supported is false on platforms without permission events.
	Supported bool
	// Capget returns the effective capability mask.
	Capget func() (uint64, error)
	// ReadStatus returns /proc/self/status, used when Capget fails.
	ReadStatus func() ([]byte, error)
}

// Detect inspects the effective capabilities once and never fails. Anything
// short of an effective CAP_SYS_ADMIN yields AuditOnly.
func (d Detector) Detect() Mode {
	if !d.Supported {
		return AuditOnly
	}
	if d.Capget != nil {
		caps, err := d.Capget()
		if err == nil {
			return modeFromCaps(caps)
		}
		logger.Debugf("capget failed, falling back to proc status: %v", err)
	}
	if d.ReadStatus != nil {
		data, err := d.ReadStatus()
		if err != nil {
			logger.Debugf("Reading process status failed: %v", err)
			return AuditOnly
		}
		if caps, ok := parseCapEff(data); ok {
			return modeFromCaps(caps)
		}
	}
	return AuditOnly
}

// Detect uses the platform detector.
func Detect() Mode {
	return DefaultDetector().Detect()
}

func modeFromCaps(caps uint64) Mode {
	if caps&(1<<capSysAdmin) != 0 {
		return Permission
	}
	return AuditOnly
}

func parseCapEff(status []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// Resolve applies the operator's requested mode to the detected one. A
// permission request without privilege is downgraded.
func Resolve(requested string, detected Mode) (mode Mode, downgraded bool) {
	want, explicit := ParseMode(requested)
	if !explicit {
		return detected, false
	}
	if want == Permission && detected != Permission {
		logger.Warn("Permission mode requested without CAP_SYS_ADMIN; continuing in audit-only mode")
		return AuditOnly, true
	}
	return want, false
}
