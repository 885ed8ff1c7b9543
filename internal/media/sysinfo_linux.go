//go:build linux

package media

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
)

// detectClass buckets the host by memory and core count. Small boards and
// phones land in the mobile class and get capped capture ceilings.
func detectClass() DeviceClass {
	if runtime.GOOS == "android" {
		return ClassMobile
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		calllog.L().Named("media").Warn("sysinfo probe failed, assuming desktop class",
			calllog.Error(err))
		return ClassDesktop
	}

	totalRAM := uint64(info.Totalram) * uint64(info.Unit)
	const threeGiB = 3 << 30
	if totalRAM < threeGiB || runtime.NumCPU() < 4 {
		return ClassMobile
	}
	return ClassDesktop
}
