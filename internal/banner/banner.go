package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
  ____ ____  _   ___     ______
 / ___| __ )| \ | \ \   / /  _ \
| |  _|  _ \|  \| |\ \ / /| |_) |
| |_| | |_) | |\  | \ V / |  _ <
 \____|____/|_| \_|  \_/  |_| \_\
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the device identity and
// configuration
func Print(deviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", deviceName)

	// Find max label length for alignment
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	// Print config lines with alignment
	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
