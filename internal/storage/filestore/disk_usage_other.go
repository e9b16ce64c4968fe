//go:build !unix

package filestore

// DiskUsage на платформах без statfs всегда недоступен.
func (fs *FileStore) DiskUsage() (DiskUsage, bool) {
	return DiskUsage{}, false
}
