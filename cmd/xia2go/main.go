// cmd/xia2go/main.go
//
// Entry point for the xia2go CLI. Every command works on a processing
// directory (the current one unless --dir says otherwise), which holds
// .xia2/config.yaml, the journal xia2.txt and the checkpoint xia2.json.

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
