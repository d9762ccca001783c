//go:build !linux

package main

import "errors"

func effectiveCapabilities() (uint64, error) {
	return 0, errors.New("capabilities are a Linux feature")
}

const (
	capSysAdmin = 21
	capPerfmon  = 38
	capBPF      = 39
)
