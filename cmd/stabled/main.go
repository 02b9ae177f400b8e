// Command stabled runs the Stable Channels stability loop daemon and its
// operator CLI (run, show, export, backfill, simulate, version).
package main

import (
	"github.com/toneloc/stable-channels/internal/cli"
)

func main() {
	cli.Execute()
}
