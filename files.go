/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
)

// humanReadableSize formats a byte count with SI units, e.g. "1.2 kB".
func humanReadableSize(bytes int64) string {
	const unit int64 = 1000

	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	value, exp := float64(bytes)/float64(unit), 0
	for value >= float64(unit) && exp < len("kMGTPE")-1 {
		value /= float64(unit)
		exp++
	}

	return fmt.Sprintf("%.1f %cB", value, "kMGTPE"[exp])
}
