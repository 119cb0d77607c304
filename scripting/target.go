package scripting

import (
	"fmt"
	"strconv"

	"gitlab.com/stephen-fox/physkit/process"
	"gitlab.com/stephen-fox/physkit/session"
)

// FindProcess returns the process that target names. A target that
// parses as an integer (decimal, or hexadecimal with a "0x" prefix)
// is a PID. Anything else is an image file name.
func FindProcess(s *session.Session, target string) (process.Info, error) {
	if target == "" {
		return process.Info{}, fmt.Errorf("please specify a process pid or name")
	}

	pid, err := strconv.ParseUint(target, 0, 64)
	if err != nil {
		return s.Resolver.FindByName(target)
	}

	procs, err := s.Resolver.List()
	if err != nil {
		return process.Info{}, err
	}

	for _, p := range procs {
		if p.PID == pid {
			return p, nil
		}
	}

	return process.Info{}, fmt.Errorf("no process with pid %d - %w", pid, process.ErrProcessNotFound)
}

// FindProcessOrExit calls FindProcess. Errors are fatal.
func FindProcessOrExit(s *session.Session, target string) process.Info {
	p, err := FindProcess(s, target)
	if err != nil {
		session.DefaultExitFn(err)
	}

	return p
}
