// Command pgreceivewal continuously streams WAL from a PostgreSQL server
// to local segment files over the streaming replication protocol.
package main

import (
	"fmt"
	"os"

	"github.com/vbp1/replstream/internal/cli"
)

func main() {
	if err := cli.ExecuteWalReceiver(); err != nil {
		fmt.Fprintln(os.Stderr, "pgreceivewal:", err)
		os.Exit(1)
	}
}
