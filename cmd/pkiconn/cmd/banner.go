package cmd

import (
	"fmt"
)

const banner = `
  _____  _  _______ _____
 |  __ \| |/ /_   _/ ____|
 | |__) | ' /  | || |     ___  _ __  _ __
 |  ___/|  <   | || |    / _ \| '_ \| '_ \
 | |    | . \ _| || |___| (_) | | | | | | |
 |_|    |_|\_\_____\_____\___/|_| |_|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Remote Authority Connector - Version %s\x1b[0m\n\n", Version)
}
