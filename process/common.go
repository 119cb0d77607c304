package process

import (
	"errors"
	"log"
)

// StillActive is the exit status of a process that has not exited.
const StillActive = 0x103

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}

	// ErrProcessNotFound means no process matched a lookup.
	ErrProcessNotFound = errors.New("process not found")

	// ErrModuleNotFound means no loaded module matched a lookup.
	ErrModuleNotFound = errors.New("module not found")
)
