package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gitlab.com/stephen-fox/physkit/pedump"
	"gitlab.com/stephen-fox/physkit/scripting"
)

const description = `Dumps a module loaded by a process to a PE file, or lists
  the module's sections and exports.`

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
	var outPath string
	var list bool

	s, _ := scripting.ParseSessionArgs(scripting.ParseSessionArgsConfig{
		Description: description,
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.StringVar(&target, "p", "",
				"The `pid or name` of the process")
			flagSet.StringVar(&module, "module", "",
				"The `name` of the module (defaults to the process image)")
			flagSet.StringVar(&outPath, "o", "",
				"The output file `path` (defaults to the module name)")
			flagSet.BoolVar(&list, "l", false,
				"List sections and exports instead of dumping")
		},
	})
	defer s.Close()

	p, err := scripting.FindProcess(s, target)
	if err != nil {
		return err
	}

	var base uint64
	if module == "" {
		base = p.SectionBase
		module = p.Name
	} else {
		m, err := s.Resolver.ResolveModule(p.PID, module)
		if err != nil {
			return err
		}

		base = m.Base
		module = m.BaseName
	}

	if base == 0 {
		return errors.New("the process has no image base")
	}

	space, err := s.Space(p.PID)
	if err != nil {
		return err
	}

	if list {
		img, err := pedump.Read(space, base)
		if err != nil {
			return err
		}

		for _, section := range img.Sections {
			fmt.Printf("%-8s va: 0x%08x size: 0x%08x\n",
				section.Name, section.VirtualAddress, section.Size)
		}

		exports, err := img.Exports()
		if err != nil {
			return fmt.Errorf("failed to parse exports - %w", err)
		}

		for _, e := range exports {
			fmt.Printf("0x%016x %5d %s\n", base+uint64(e.VirtualAddress), e.Ordinal, e.Name)
		}

		return nil
	}

	if outPath == "" {
		outPath = filepath.Base(module)
	}

	img, err := pedump.Read(space, base)
	if err != nil {
		return err
	}

	raw, err := img.FileBytes()
	if err != nil {
		return err
	}

	err = os.WriteFile(outPath, raw, 0o600)
	if err != nil {
		return err
	}

	log.Printf("wrote 0x%x bytes of %s (0x%x) to %s", len(raw), module, base, outPath)

	return nil
}
