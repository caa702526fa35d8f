package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			Build = strings.TrimPrefix(info.Main.Version, "v")
		}
	}
}

func main() {
	serviceFlag := flag.String("service", "", "Control the system service.")
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage || *serviceFlag == "" {
		flag.Usage()
		os.Exit(0)
	}

	if err := doService(*configPath, Build, *serviceFlag); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
