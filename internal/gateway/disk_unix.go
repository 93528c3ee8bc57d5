//go:build unix

package gateway

import "syscall"

// diskFreeGB returns the space available to unprivileged users on the
// filesystem holding path, in decimal gigabytes.
func diskFreeGB(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return float64(st.Bavail) * float64(st.Bsize) / 1e9, nil
}
