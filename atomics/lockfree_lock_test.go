//go:build atomics_lock

package atomics

import "testing"

func TestIsLockFree(t *testing.T) {
	if IsLockFree() {
		t.Error("lock backend reported as lock free")
	}
}
