// Command campaignd serves the campaign execution graph engine over HTTP and
// offers offline tooling for graph definition files.
package main

import (
	"log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("error executing root command: %s", err)
	}
}
