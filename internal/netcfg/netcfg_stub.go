//go:build !linux

package netcfg

import "errors"

var errNotSupported = errors.New("not supported")

func ConfigureInterface(cfg InterfaceConfig) error { return errNotSupported }
func DownInterface(name string) error              { return errNotSupported }
