// Package device reports the identity the agent presents on connect.
package device

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Info identifies the device to the controller.
type Info struct {
	ID        string
	Model     string
	OSVersion string
}

// Overrides replace host-derived values when non-empty.
type Overrides struct {
	ID        string
	Model     string
	OSVersion string
}

// infoFunc is swapped in tests.
var infoFunc = host.InfoWithContext

// Detect reads host information. Fields missing from the host fall back to
// the hostname (ID) or "unknown".
func Detect(ctx context.Context, o Overrides) Info {
	var info Info
	if hi, err := infoFunc(ctx); err == nil && hi != nil {
		info = fromHost(hi)
	}
	if info.ID == "" {
		if name, err := os.Hostname(); err == nil {
			info.ID = name
		}
	}

	if o.ID != "" {
		info.ID = o.ID
	}
	if o.Model != "" {
		info.Model = o.Model
	}
	if o.OSVersion != "" {
		info.OSVersion = o.OSVersion
	}

	if info.ID == "" {
		info.ID = "unknown"
	}
	if info.Model == "" {
		info.Model = "unknown"
	}
	if info.OSVersion == "" {
		info.OSVersion = "unknown"
	}
	return info
}

func fromHost(hi *host.InfoStat) Info {
	model := strings.TrimSpace(strings.Join(nonEmpty(hi.Platform, hi.KernelArch), " "))
	osVersion := hi.PlatformVersion
	if osVersion == "" {
		osVersion = hi.KernelVersion
	}
	return Info{
		ID:        hi.HostID,
		Model:     model,
		OSVersion: osVersion,
	}
}

func nonEmpty(ss ...string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
