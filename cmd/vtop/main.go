package main

import (
	"flag"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/paging"
	"gitlab.com/stephen-fox/physkit/scripting"
)

const description = `Translates virtual addresses of a process to physical addresses
  and prints the paging structure entries used along the way.`

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	var target string

	s, args := scripting.ParseSessionArgs(scripting.ParseSessionArgsConfig{
		Description: description,
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.StringVar(&target, "p", "System",
				"The `pid or name` of the process")
		},
	})
	defer s.Close()

	if len(args.Args) == 0 {
		return fmt.Errorf("please specify one or more virtual addresses after the options")
	}

	p, err := scripting.FindProcess(s, target)
	if err != nil {
		return err
	}

	for _, str := range args.Args {
		va, err := memory.ParsePointer(str)
		if err != nil {
			return err
		}

		t, err := paging.Walk(s.Window, p.CR3, va.Uint())
		if err != nil {
			fmt.Printf("%s: %s\n", va, err)
			continue
		}

		fmt.Printf("%s -> 0x%x (page size 0x%x)\n", va, t.Physical, t.PageSize)

		for lvl := paging.LevelPML4; lvl >= paging.LevelPT; lvl-- {
			if t.Entries[lvl] == 0 {
				continue
			}

			fmt.Printf("  %s[%d] = %s\n", lvl, lvl.Index(va.Uint()), t.Entries[lvl])
		}
	}

	return nil
}
