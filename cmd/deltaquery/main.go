// Command deltaquery runs SQL statements on a Databricks SQL warehouse and
// writes the results as CSV or JSON.
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
