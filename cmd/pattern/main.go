package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/pattern"
)

const (
	appName = "pattern"
	usage   = appName + `
DESCRIPTION
  Searches a file for a byte signature without a target. This is
  useful for testing signatures against a module dumped with pedump.

USAGE
  ` + appName + ` [options] SIGNATURE < some-file

EXAMPLES
  Find every match in a dumped module and print their addresses
  relative to its image base:
    $ ` + appName + ` -all -base 0x7ff7a0000000 "48 8B 05 ?? ?? ?? ?? C3" < notepad.exe

  Convert bytes into an exact signature:
    $ ` + appName + ` -from-hex 488b05
    48 8B 05

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		"h",
		false,
		"Display this information")

	all := flag.Bool(
		"all",
		false,
		"Print every match instead of the first one")

	baseStr := flag.String(
		"base",
		"0",
		"Add this `address` to each match offset")

	fromHex := flag.Bool(
		"from-hex",
		false,
		"Print the exact signature of the hex encoded argument and exit")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		return errors.New("please specify a signature as the last argument")
	}

	if *fromHex {
		raw, err := hex.DecodeString(strings.TrimPrefix(flag.Arg(0), "0x"))
		if err != nil {
			return fmt.Errorf("failed to hex decode argument - %w", err)
		}

		fmt.Println(pattern.Exact(raw))

		return nil
	}

	sig, err := pattern.Parse(flag.Arg(0))
	if err != nil {
		return err
	}

	base, err := memory.ParsePointer(*baseStr)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read data from stdin - %w", err)
	}

	var matches []int
	if *all {
		matches = sig.IndexAll(data)
	} else if i := sig.Index(data); i >= 0 {
		matches = []int{i}
	}

	if len(matches) == 0 {
		return fmt.Errorf("signature '%s' was not found", sig)
	}

	for _, i := range matches {
		fmt.Printf("0x%x\n", base.Uint()+uint64(i))
	}

	return nil
}
