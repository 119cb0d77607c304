package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/physkit/pattern"
	"gitlab.com/stephen-fox/physkit/scan"
	"gitlab.com/stephen-fox/physkit/scripting"
)

const description = `Searches the memory of a process for a byte signature.
  A signature is hex bytes separated by spaces where "?" or "??"
  matches any byte, for example: "48 8B 05 ?? ?? ?? ?? C3".`

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	var target string
	var module string
	var all bool
	var regions bool

	s, args := scripting.ParseSessionArgs(scripting.ParseSessionArgsConfig{
		Description: description,
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.StringVar(&target, "p", "",
				"The `pid or name` of the process to search")
			flagSet.StringVar(&module, "module", "",
				"Only search the image of the module with this `name`")
			flagSet.BoolVar(&all, "all", false,
				"Print every match instead of the first one")
			flagSet.BoolVar(&regions, "regions", false,
				"Print the committed regions of the process and exit")
		},
	})
	defer s.Close()

	p, err := scripting.FindProcess(s, target)
	if err != nil {
		return err
	}

	if regions {
		infos, err := s.Scanner.Regions(p.PID)
		if err != nil {
			return err
		}

		for _, r := range infos {
			if !r.Committed() {
				continue
			}

			fmt.Printf("0x%016x 0x%-10x protect: 0x%-4x type: 0x%x\n",
				r.BaseAddress, r.RegionSize, r.Protect, r.Type)
		}

		return nil
	}

	if len(args.Args) != 1 {
		return errors.New("please specify a signature as the last argument")
	}

	sig, err := pattern.Parse(args.Args[0])
	if err != nil {
		return err
	}

	var matches []uint64

	switch {
	case module != "" && all:
		matches, err = s.Scanner.ModuleAll(p.PID, module, sig)
	case module != "":
		var addr uint64
		addr, err = s.Scanner.Module(p.PID, module, sig)
		matches = append(matches, addr)
	case all:
		matches, err = s.Scanner.ProcessAll(p.PID, sig)
	default:
		var addr uint64
		addr, err = s.Scanner.Process(p.PID, sig)
		matches = append(matches, addr)
	}
	if errors.Is(err, scan.ErrNotFound) {
		return fmt.Errorf("signature was not found in %s", p.Name)
	}
	if err != nil {
		return err
	}

	for _, addr := range matches {
		fmt.Printf("0x%016x\n", addr)
	}

	return nil
}
