package discovery

import (
	"os"
	"runtime"
	"strings"

	"speedcheck/pkg/speedtest"
)

// Device fills unset fields of override from the host.
func Device(override speedtest.DeviceInfo, appVersion string) speedtest.DeviceInfo {
	d := override
	if strings.TrimSpace(d.Platform) == "" {
		d.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if strings.TrimSpace(d.Model) == "" {
		if h, err := os.Hostname(); err == nil {
			d.Model = h
		}
	}
	if strings.TrimSpace(d.OSVersion) == "" {
		d.OSVersion = osVersion()
	}
	if strings.TrimSpace(d.AppVersion) == "" {
		d.AppVersion = appVersion
	}
	return d
}
