//go:build !linux && !windows

package thrd

func gettid() int64 {
	return 0
}
