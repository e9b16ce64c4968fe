//go:build unix

package filestore

import "syscall"

// DiskUsage возвращает информацию о файловой системе каталога.
// ok == false, если информацию получить не удалось: вызывающий код
// сам решает, критично ли это.
func (fs *FileStore) DiskUsage() (DiskUsage, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(fs.dir, &stat); err != nil {
		return DiskUsage{}, false
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return newDiskUsage(total, free), true
}
