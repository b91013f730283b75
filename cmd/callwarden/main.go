// Command callwarden governs AI agent tool calls against contract bundles.
package main

import "github.com/ppiankov/callwarden/internal/cli"

func main() {
	cli.Execute()
}
