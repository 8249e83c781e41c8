package workspace

import "syscall"

// diskUsage reports total/used/free bytes for the filesystem containing path.
func diskUsage(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	return DiskUsage{
		Total: total,
		Free:  free,
		Used:  total - free,
	}, nil
}
