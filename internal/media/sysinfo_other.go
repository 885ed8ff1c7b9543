//go:build !linux

package media

import "runtime"

func detectClass() DeviceClass {
	switch runtime.GOOS {
	case "android", "ios":
		return ClassMobile
	default:
		return ClassDesktop
	}
}
