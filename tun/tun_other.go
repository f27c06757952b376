//go:build !linux

package tun

import "errors"

// Device is a stand-in for non-Linux builds, where there is no /dev/net/tun.
type Device struct{}

// Open always fails off Linux; this core's TUN transport has no portable
// equivalent (the teacher's own Tap is similarly linux-gated).
func Open(name, cidr string) (*Device, error) {
	return nil, errors.New("tun: not supported on this platform")
}

func (d *Device) Read(b []byte) (int, error)  { return 0, errors.New("tun: not supported") }
func (d *Device) Write(b []byte) (int, error) { return 0, errors.New("tun: not supported") }
func (d *Device) Close() error                { return nil }
func (d *Device) Name() string                { return "" }
func (d *Device) MTU() (int, error)            { return 0, errors.New("tun: not supported") }
