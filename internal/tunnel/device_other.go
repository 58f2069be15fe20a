//go:build !darwin

package tunnel

import (
	"strconv"

	"github.com/xjasonlyu/tun2socks/v2/core/device"
	"github.com/xjasonlyu/tun2socks/v2/core/device/fdbased"
)

// openDevice wraps a TUN descriptor that carries raw IP packets.
func openDevice(fd int, mtu uint32) (device.Device, error) {
	return fdbased.Open(strconv.Itoa(fd), mtu)
}
