//go:build linux

package frontend

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1500000: unix.B1500000,
}

var dataBits = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// cflag builds the control flags for cfg.
func cflag(cfg SerialConfig) (uint32, error) {
	speed, ok := baudRates[cfg.Baud]
	if !ok {
		return 0, fmt.Errorf("%w: baud %d", errBadSetting, cfg.Baud)
	}
	size, ok := dataBits[cfg.DataBits]
	if !ok {
		return 0, fmt.Errorf("%w: data bits %d", errBadSetting, cfg.DataBits)
	}
	flags := unix.CREAD | unix.CLOCAL | speed | size
	switch cfg.StopBits {
	case 0, 1:
	case 2:
		flags |= unix.CSTOPB
	default:
		return 0, fmt.Errorf("%w: stop bits %d", errBadSetting, cfg.StopBits)
	}
	switch cfg.Parity {
	case 0, 'n', 'N':
	case 'o', 'O':
		flags |= unix.PARENB | unix.PARODD
	case 'e', 'E':
		flags |= unix.PARENB
	default:
		return 0, fmt.Errorf("%w: parity %d", errBadSetting, cfg.Parity)
	}
	return flags, nil
}

// OpenSerial opens cfg.Device in raw mode with the requested line settings.
// The descriptor is non-blocking so that Close interrupts a pending Read.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	flags, err := cflag(cfg)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcgetattr %s: %w", cfg.Device, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= flags
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcsetattr %s: %w", cfg.Device, err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		log.Debug("serial flush failed", "device", cfg.Device, "error", err)
	}
	return os.NewFile(uintptr(fd), cfg.Device), nil
}
