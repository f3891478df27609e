// Command rabbitctl checks amqpplus topology files and publishes or consumes
// messages with the same configuration the services use.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
