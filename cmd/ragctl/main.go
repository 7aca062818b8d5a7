// Command ragctl drives a running medrag API: it indexes and removes
// documents, runs retrieval queries and manages the query cache.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
