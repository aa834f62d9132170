package thrd

import "golang.org/x/sys/windows"

func gettid() int64 {
	return int64(windows.GetCurrentThreadId())
}
