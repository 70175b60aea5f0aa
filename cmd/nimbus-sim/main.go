package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nimbus"
	"github.com/slackhq/nimbus/config"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	ctrl, err := nimbus.Main(c, Build, l)
	if err != nil {
		l.WithError(err).Error("Failed to start")
		os.Exit(1)
	}

	ctrl.Start()
	ctrl.ShutdownBlock()

	os.Exit(0)
}
