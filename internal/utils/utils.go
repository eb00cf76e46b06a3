package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

var units = []string{"KB", "MB", "GB", "TB"}

// scale divides v by 1024 until it drops below 1024 and returns the unit.
// ok is false when v is already below 1 KB.
func scale(v float64) (float64, string, bool) {
	if v < 1024 {
		return v, "", false
	}
	unit := ""
	for _, u := range units {
		if v < 1024 {
			break
		}
		v /= 1024
		unit = u
	}
	return v, unit, true
}

// FormatSize formats bytes to human readable string
func FormatSize(bytes int64) string {
	v, unit, ok := scale(float64(bytes))
	if !ok {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}

// FormatSpeed formats speed to human readable string
func FormatSpeed(bytesPerSecond float64) string {
	v, unit, ok := scale(bytesPerSecond)
	if !ok {
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
	return fmt.Sprintf("%.2f %s/s", v, unit)
}

// GetUniqueFilename returns filename, or the first "name (n).ext" that does
// not exist yet.
func GetUniqueFilename(filename string) string {
	if !exists(filename) {
		return filename
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FormatTimeDuration formats duration to human readable string
func FormatTimeDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// TruncateString shortens s to at most maxLen runes, marking the cut with "...".
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
