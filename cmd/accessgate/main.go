// Command accessgate runs the access layer as a forward-auth service and
// offers tooling to inspect key sets and tokens.
//
//	accessgate serve --config accessgate.yaml
//	accessgate keys
//	accessgate verify <token>
//	accessgate config
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
