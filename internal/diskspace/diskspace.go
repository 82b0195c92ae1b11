// Package diskspace answers TOTAL_SPACE / FREE_SPACE against the real
// filesystem backing the device's books directory.
package diskspace

import (
	"fmt"

	"github.com/ricochet2200/go-disk-usage/du"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// Usage reports the total and free byte counts of the volume backing
// path, mirroring `uncgd.getFreeSpace`'s use of go-disk-usage.
func Usage(path string) (total, free int64, err error) {
	usage := du.NewDiskUsage(path)
	if usage == nil {
		return 0, 0, fmt.Errorf("diskspace: statvfs %s: %w", path, calibre.ErrResource)
	}
	return int64(usage.Size()), int64(usage.Available()), nil
}
