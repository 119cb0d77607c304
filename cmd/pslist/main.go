package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"gitlab.com/stephen-fox/physkit/scripting"
)

const description = `Lists the processes of a target, or the modules of one process.
  The process list is read from the kernel's CID table.`

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	var modulesOf string
	var all bool

	s, _ := scripting.ParseSessionArgs(scripting.ParseSessionArgsConfig{
		Description: description,
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.StringVar(&modulesOf, "m", "",
				"List the modules of the process with this `pid or name`")
			flagSet.BoolVar(&all, "a", false,
				"Include processes that have exited")
		},
	})
	defer s.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if modulesOf != "" {
		p, err := scripting.FindProcess(s, modulesOf)
		if err != nil {
			return err
		}

		modules, err := s.Resolver.Modules(p.PID)
		if err != nil {
			return fmt.Errorf("failed to list modules of %s - %w", p.Name, err)
		}

		fmt.Fprintln(tw, "BASE\tSIZE\tENTRY\tPATH")
		for _, m := range modules {
			fmt.Fprintf(tw, "0x%016x\t0x%x\t0x%016x\t%s\n",
				m.Base, m.Size, m.EntryPoint, m.FullName)
		}

		return tw.Flush()
	}

	procs, err := s.Resolver.List()
	if err != nil {
		return err
	}

	fmt.Fprintln(tw, "PID\tNAME\tEPROCESS\tCR3\tPEB\tSTATUS")
	for _, p := range procs {
		status := "running"
		if !p.Running() {
			if !all {
				continue
			}

			status = fmt.Sprintf("exited 0x%x", p.ExitStatus)
		}

		fmt.Fprintf(tw, "%d\t%s\t0x%016x\t0x%x\t0x%x\t%s\n",
			p.PID, p.Name, p.EPROCESS, p.CR3, p.PEB, status)
	}

	return tw.Flush()
}
