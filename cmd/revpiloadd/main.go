// Command revpiloadd is the daemon entry point: it parses the
// config-override flag the same way manager/main.go does, builds a
// Daemon, and runs it until a shutdown signal arrives.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/revpi/revpiloadd/internal/daemon"
)

const defConfigLoc = "/etc/revpipyload/revpipyload.conf"

var cfgFlag = flag.String("config-override", "", "Override config file path")

func main() {
	flag.Parse()
	cfgPath := defConfigLoc
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	d, err := daemon.New(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revpiloadd: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "revpiloadd: %v\n", err)
		os.Exit(1)
	}
}
