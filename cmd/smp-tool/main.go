// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// smp-tool is a command line client for smp listeners.
package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/congestion"
	"github.com/difft/smp-go/pkg/smp"
)

// printUsage of smp-tool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s send|cat|bench:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s send target text...\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Connects to the target, sends each text as a DATA packet on a new stream and\n")
	_, _ = fmt.Fprintf(os.Stderr, "  prints all received packets until the peer stays silent for a second.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s cat target\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends each line of stdin as a CMD packet and prints received packets.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s bench target count size\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends count DATA packets of size bytes to an echoing listener and reports the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  throughput.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "The target is \"host[:port]\", \"quic://host:port/path\" or \"ws[s]://host/path\".\n")
	_, _ = fmt.Fprintf(os.Stderr, "Environment: SMP_CC selects the congestion control, SMP_DEBUG enables debug logs.\n")

	os.Exit(1)
}

// printFatal logs an error and exits.
func printFatal(err error, msg string) {
	log.WithError(err).Fatal(msg)
}

// clientConfig derives a client Config from the environment.
func clientConfig() smp.Config {
	conf := smp.DefaultConfig()
	conf.LogFile = ""
	conf.TaskThreads = 4
	conf.TimerThreads = 1

	if cc, ok := os.LookupEnv("SMP_CC"); ok {
		alg, err := congestion.Parse(cc)
		if err != nil {
			printFatal(err, "Invalid SMP_CC")
		}
		conf.CongestCtrl = alg
	}
	if _, ok := os.LookupEnv("SMP_DEBUG"); ok {
		conf.LogLevel = smp.NewLogLevel(log.DebugLevel)
	} else {
		conf.LogLevel = smp.NewLogLevel(log.WarnLevel)
	}
	return conf
}

func main() {
	if len(os.Args) < 3 {
		printUsage()
	}

	conf := clientConfig()
	if _, err := smp.SetupLogging(conf); err != nil {
		printFatal(err, "Setting up logging errored")
	}

	switch os.Args[1] {
	case "send":
		if len(os.Args) < 4 {
			printUsage()
		}
		runSend(conf, os.Args[2], os.Args[3:])

	case "cat":
		runCat(conf, os.Args[2])

	case "bench":
		if len(os.Args) != 5 {
			printUsage()
		}
		count, err := strconv.Atoi(os.Args[3])
		if err != nil || count <= 0 {
			printUsage()
		}
		size, err := strconv.Atoi(os.Args[4])
		if err != nil || size < 0 {
			printUsage()
		}
		runBench(conf, os.Args[2], count, size)

	default:
		printUsage()
	}
}
