//go:build !linux

package discovery

import "runtime"

func osVersion() string { return runtime.GOOS }
