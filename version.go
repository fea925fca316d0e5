package loom

import (
	"fmt"
)

const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

func Version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}
