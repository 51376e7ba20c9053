//go:build !linux

package tun

import "errors"

type Device struct {
	Name string
}

func Open(name string, multiQueue bool) (*Device, error) {
	return nil, errors.New("tun capture is only supported on linux")
}

func (d *Device) Read(buf []byte) (int, error) { return 0, errors.New("not supported") }
func (d *Device) Close() error                 { return nil }
