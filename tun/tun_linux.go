//go:build linux

// Package tun opens a layer-3 TUN device and exchanges raw IPv4 datagrams
// with it, the external collaborator spec's Handle API sits on top of. The
// teacher's internal.Tap does the equivalent for a layer-2 TAP device with
// raw syscall.Open/Read/Write/Syscall(SYS_IOCTL); this adapts the same
// ioctl-a-file-descriptor pattern to golang.org/x/sys/unix's typed wrappers
// and IFF_TUN instead of IFF_TAP, since this core speaks IP directly and
// never touches an Ethernet header.
package tun

import (
	"errors"
	"fmt"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 16

// Device is an open TUN interface. Read and Write exchange whole IPv4
// datagrams; IFF_NO_PI means no 4-byte flags/protocol prefix is prepended.
type Device struct {
	fd   int
	name string
}

// Open creates or attaches to the TUN interface named name and, if cidr is
// non-empty, assigns it that address and brings the link up via the `ip`
// command, mirroring the teacher's NewTap setup step.
func Open(name, cidr string) (*Device, error) {
	if len(name) >= ifNameSize {
		return nil, errors.New("tun: interface name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}
	ifr := newIfreq(name)
	ifr.setFlags(uint16(unix.IFF_TUN | unix.IFF_NO_PI))
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", err)
	}
	dev := &Device{fd: fd, name: unix.ByteSliceToString(ifr.name[:])}
	if cidr != "" {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("tun: link up: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", cidr, "dev", name).Run(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("tun: addr add: %w", err)
		}
	}
	return dev, nil
}

// Read reads one IPv4 datagram into b.
func (d *Device) Read(b []byte) (int, error) {
	return unix.Read(d.fd, b)
}

// Write writes one IPv4 datagram.
func (d *Device) Write(b []byte) (int, error) {
	return unix.Write(d.fd, b)
}

// Close releases the TUN file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Name returns the interface name the kernel assigned (may differ from the
// requested name if it contained a "%d" pattern).
func (d *Device) Name() string { return d.name }

// MTU queries the interface's current MTU via a throwaway datagram socket,
// the same indirection the teacher's Tap.MTU uses since TUNSETIFF's fd
// doesn't support SIOCGIFMTU directly.
func (d *Device) MTU() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("tun: mtu socket: %w", err)
	}
	defer unix.Close(sock)
	ifr := newIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFMTU, ifr.ptr()); err != nil {
		return 0, fmt.Errorf("tun: SIOCGIFMTU: %w", err)
	}
	mtu := *(*int32)(unsafe.Pointer(&ifr.data[0]))
	return int(mtu), nil
}

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

type ifreq struct {
	name [ifNameSize]byte
	data [64]byte
}

func newIfreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.data[0])) = flags
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }
