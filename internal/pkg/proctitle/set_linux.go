//go:build linux

package proctitle

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// comm is limited to 16 bytes including the trailing NUL.
const commLen = 16

// Set renames the process for ps/top via PR_SET_NAME.
func Set(role string) error {
	title := Title(role)
	rewriteArgv0(title)

	var comm [commLen]byte
	copy(comm[:commLen-1], title)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&comm[0])), 0, 0, 0)
}
