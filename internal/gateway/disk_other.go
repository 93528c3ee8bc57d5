//go:build !unix

package gateway

import "errors"

func diskFreeGB(path string) (float64, error) {
	return 0, errors.New("gateway: disk usage not supported on this platform")
}
