//go:build !linux

package frontend

import "io"

// OpenSerial is only implemented on linux.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
