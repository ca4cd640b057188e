// Command forge-engine runs one execution engine: it serves apply and
// execute requests on its shell address, abort and clear on its control
// address, and an admin HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
