// Command compactgen writes the relocation methods of struct types whose fields are either plain
// data or relocatable values themselves, such as compact.Vec. It is meant to be run from a
// go:generate directive:
//
//	//go:generate go run github.com/vkngwrapper/compactmem/cmd/compactgen -type Record
//
// For each named type, the generated file declares IsStillCompact, DynamicSizeBytes,
// CompactFrom and CompactFromPointer, plus Release and VisitStorage when any field supports them.
// Relocatable fields keep their dynamic tails in declaration order.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/slog"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: compactgen -type T[,T...] [-output file] [package]\n")
	flag.PrintDefaults()
}

func main() {
	typeNames := flag.String("type", "", "comma-separated list of struct type names (required)")
	output := flag.String("output", "", "output file (default <type>_compact.go in the package directory)")
	verbose := flag.Bool("v", false, "log progress")
	flag.Usage = usage
	flag.Parse()

	if *typeNames == "" {
		usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	pattern := "."
	if flag.NArg() > 1 {
		usage()
		os.Exit(2)
	} else if flag.NArg() == 1 {
		pattern = flag.Arg(0)
	}

	g := &generator{logger: logger}
	err := g.run(pattern, strings.Split(*typeNames, ","), *output)
	if err != nil {
		logger.Error("compactgen failed", slog.Any("error", err))
		os.Exit(1)
	}
}
