package theme

import (
	"fmt"
	"os"
)

// Banner returns the banner shown by init. Colour is dropped when NO_COLOR is set.
func Banner() string {
	cyan, yellow, reset := "\033[36m", "\033[33m", "\033[0m"
	if os.Getenv("NO_COLOR") != "" {
		cyan, yellow, reset = "", "", ""
	}
	return cyan + "  ░▒▓ HARVESTER ▓▒░\n" + reset +
		yellow + "  ──────────────────────────────\n" + reset +
		"  event archive, counts and stream collector for X\n"
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}
