// Command pgbasebackup pulls a PostgreSQL base backup over the streaming
// replication protocol.
package main

import (
	"fmt"
	"os"

	"github.com/vbp1/replstream/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgbasebackup:", err)
		os.Exit(1)
	}
}
