package hwcap

// GPU probing via wgpu-native. Finding an adapter is not enough: some
// drivers advertise an adapter and then fail device creation, so we
// create a throwaway device and release it before recommending the GPU
// path. The native binding can panic when the loadable library is
// absent, hence the recover.

import (
	"github.com/cyclopcam/logs"
	"github.com/openfluke/webgpu/wgpu"
)

// probeGPU returns the adapter description (if one was found) and
// whether a device could actually be created on it.
func probeGPU(log logs.Log) (info *AdapterInfo, usable bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("GPU probe panicked, treating GPU as unavailable: %v", r)
			usable = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		return nil, false
	}
	defer adapter.Release()

	props := adapter.GetInfo()
	info = &AdapterInfo{
		Vendor:      props.VendorName,
		Device:      props.Name,
		Description: props.DriverDescription,
		Backend:     props.BackendType.String(),
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil || device == nil {
		log.Warnf("GPU adapter %v found but device creation failed: %v", info.Device, err)
		return info, false
	}
	device.Release()
	return info, true
}
