// Command smpcache creates the shared cache segments and stores, reads and
// frees objects as one of the configured workers.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/smpcache/internal/cli"
)

// exitInterrupted is the status after a second interrupt.
const exitInterrupted = 130

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environ(), interrupts()))
}

// environ returns the process environment as a map. Later duplicates win.
func environ() map[string]string {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	return env
}

// interrupts delivers the first SIGINT or SIGTERM to the running command,
// which then closes its worker and releases the segment locks. A second
// signal exits at once.
func interrupts() <-chan os.Signal {
	raw := make(chan os.Signal, 2)
	signal.Notify(raw, os.Interrupt, syscall.SIGTERM)

	first := make(chan os.Signal, 1)

	go func() {
		first <- <-raw

		<-raw
		os.Exit(exitInterrupted)
	}()

	return first
}
