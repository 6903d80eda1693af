// Command nanolab processes graphene transistor measurements.
package main

import "nanolab/internal/cli"

func main() {
	cli.Execute()
}
