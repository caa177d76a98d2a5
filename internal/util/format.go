package util

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Number formats n with thousand separators, e.g. 2800000 => "2,800,000".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bitrate formats bits per second as kbps with separators, e.g. 2800000 => "2,800 kbps".
func Bitrate(bps int) string {
	return printer.Sprintf("%d kbps", bps/1000)
}

// Bytes formats a byte count in SI units, e.g. 1500000 => "1.5 MB".
func Bytes(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.Bytes(uint64(n))
}

// Percent formats a 0..100 value with one decimal place.
func Percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
