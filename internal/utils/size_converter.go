package utils

import "github.com/dustin/go-humanize"

// HumanBytes formats a byte count the way progress output and the CLI
// report sizes and speeds, delegating to go-humanize instead of hand
// rolling the unit table the teacher used to.
func HumanBytes(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

// HumanRate formats a bytes/sec figure as "<size>/s".
func HumanRate(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}
