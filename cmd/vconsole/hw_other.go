//go:build !linux

package main

import "errors"

func openHardware(*options) (*board, error) {
	return nil, errors.New("-hw is only supported on Linux")
}
