//go:build linux

package kernel_test

import (
	"testing"

	"github.com/brickingsoft/loom/pkg/kernel"
)

func TestGet(t *testing.T) {
	v := kernel.Get()
	if !v.Valid() {
		t.Skip("kernel release not parsable")
	}
	if v.Major < 2 {
		t.Fatalf("implausible kernel version: %+v", v)
	}
	t.Log(v.Major, v.Minor, v.Patch, v.Flavor)
}

func TestCompare(t *testing.T) {
	a := kernel.Version{Major: 6, Minor: 1}
	b := kernel.Version{Major: 5, Minor: 19}
	if kernel.Compare(a, b) != 1 {
		t.Fatal("6.1 should compare above 5.19")
	}
	if kernel.Compare(b, a) != -1 {
		t.Fatal("5.19 should compare below 6.1")
	}
	if kernel.Compare(a, a) != 0 {
		t.Fatal("equal versions should compare equal")
	}
}
