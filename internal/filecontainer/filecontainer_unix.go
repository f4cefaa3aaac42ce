//go:build unix

package filecontainer

import (
	"os"
	"syscall"
)

func inodeFromStat(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func setCloseOnExec(f *os.File) {
	syscall.CloseOnExec(int(f.Fd()))
}
