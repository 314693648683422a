// Command ngmeshd runs a mesh node or a base server and edits the local
// whitelist and host table.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
