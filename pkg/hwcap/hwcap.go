// Package hwcap probes the machine for inference acceleration. The
// probe never fails: any error at any tier degrades to the next tier
// down, bottoming out at plain CPU execution.
package hwcap

import (
	"github.com/cyclopcam/logs"
	"golang.org/x/sys/cpu"
)

// Backend is the execution path handed to the inference engine.
type Backend string

const (
	BackendGPU Backend = "gpu"
	BackendCPU Backend = "cpu"
)

// PerfClass is a coarse estimate of inference speed on this machine.
type PerfClass string

const (
	PerfHigh   PerfClass = "high"
	PerfMedium PerfClass = "medium"
	PerfLow    PerfClass = "low"
)

// AdapterInfo describes the GPU adapter found during probing, if any.
type AdapterInfo struct {
	Vendor      string `json:"vendor"`
	Device      string `json:"device"`
	Description string `json:"description"`
	Backend     string `json:"backend"` // native API, eg "Vulkan" or "Metal"
}

// Capabilities is the detection result. Computed once at startup and
// treated as immutable thereafter; re-detection requires an explicit
// new Detect call.
type Capabilities struct {
	HasGPU      bool         `json:"hasGPU"`
	HasSIMD     bool         `json:"hasSIMD"`
	Recommended Backend      `json:"recommendedBackend"`
	Perf        PerfClass    `json:"performanceClass"`
	Adapter     *AdapterInfo `json:"adapter,omitempty"`
}

// Detect probes SIMD support and GPU availability. SIMD raises the CPU
// baseline from low to medium; the GPU tier is only reported when a
// device can actually be instantiated, not merely advertised.
func Detect(log logs.Log) Capabilities {
	caps := Capabilities{
		HasSIMD:     hasSIMD(),
		Recommended: BackendCPU,
		Perf:        PerfLow,
	}
	if caps.HasSIMD {
		caps.Perf = PerfMedium
	}

	adapter, usable := probeGPU(log)
	caps.Adapter = adapter
	if usable {
		caps.HasGPU = true
		caps.Recommended = BackendGPU
		caps.Perf = PerfHigh
		log.Infof("GPU acceleration available: %v (%v)", adapter.Device, adapter.Backend)
	} else {
		log.Infof("No usable GPU, running on CPU (SIMD: %v)", caps.HasSIMD)
	}
	return caps
}

// hasSIMD reports whether the CPU has the wide-vector instructions the
// inference engine's CPU provider can exploit.
func hasSIMD() bool {
	return cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD
}

// ExpectedInferenceTime returns a user-facing estimate of a single
// depth inference for the detected performance class.
func ExpectedInferenceTime(caps Capabilities) string {
	switch caps.Perf {
	case PerfHigh:
		return "< 1.5 seconds"
	case PerfMedium:
		return "2-5 seconds"
	case PerfLow:
		return "5-10 seconds"
	}
	return "unknown"
}
