//go:build !unix

package filecontainer

import "os"

func inodeFromStat(info os.FileInfo) uint64 {
	return 0
}

func setCloseOnExec(f *os.File) {}
