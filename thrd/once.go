package thrd

import "sync"

// Once is a flag for CallOnce. The zero value is ready to use.
type Once struct {
	once sync.Once
}

// CallOnce calls fn exactly once for a given flag, no matter how many threads
// call it concurrently. All callers return after fn completed.
func CallOnce(flag *Once, fn func()) {
	flag.once.Do(fn)
}
