// Package main provides the indexsync CLI, which administers the indexsyncd
// daemon and imports document trees into the store.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
