package filestore

// DiskUsage — ёмкость файловой системы каталога хранения.
type DiskUsage struct {
	TotalBytes int64   `json:"total_bytes"`
	UsedBytes  int64   `json:"used_bytes"`
	FreeBytes  int64   `json:"free_bytes"`
	UsedPct    float64 `json:"used_pct"`
}

func newDiskUsage(total, free int64) DiskUsage {
	du := DiskUsage{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}
	if total > 0 {
		du.UsedPct = float64(du.UsedBytes) / float64(total) * 100
	}
	return du
}

// Exceeds сообщает, достигнут ли порог заполнения в процентах.
func (du DiskUsage) Exceeds(pct int) bool {
	return du.TotalBytes > 0 && du.UsedPct >= float64(pct)
}
