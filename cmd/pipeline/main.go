// Command pipeline manages experiment records and populates computed
// tables.
package main

import "github.com/mesh-intelligence/pipeline/internal/cli"

func main() {
	cli.Main()
}
