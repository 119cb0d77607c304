// Package scripting provides command line helpers for programs that
// operate on a session.
package scripting

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/imagechan"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/scan"
	"gitlab.com/stephen-fox/physkit/session"
	"gitlab.com/stephen-fox/physkit/wschan"
)

const (
	imageMode  = "image"
	remoteMode = "remote"

	defaultDescription = "A physkit-based tool."
)

// ParseSessionArgsConfig configures ParseSessionArgs.
type ParseSessionArgsConfig struct {
	// Description is printed in the help output. It defaults
	// to a generic description.
	Description string

	// OptOsArgs overrides os.Args.
	OptOsArgs []string

	// OptMainFlagSet overrides the flag.FlagSet that is created
	// for parsing options.
	OptMainFlagSet *flag.FlagSet

	// OptModMainFlagSet, when non-nil, is called with the flag.FlagSet
	// after the default options are defined. It can be used to add
	// program specific options.
	OptModMainFlagSet func(*flag.FlagSet)

	// OptExitFn overrides os.Exit.
	OptExitFn func(int)

	// OptLogger overrides log.Default for fatal errors.
	OptLogger *log.Logger
}

// SessionArgs are the parsed arguments.
type SessionArgs struct {
	Mode string
	Help bool

	// Verbose is non-nil when verbose logging was requested.
	Verbose *log.Logger

	// Args are the non-flag arguments that follow the options.
	Args []string
}

// ParseSessionArgs parses the program's arguments and opens
// the session they describe. Errors are fatal.
//
// The first argument selects the mode:
//
//	image IMAGE-PATH    opens a raw physical memory image
//	remote ADDRESS      connects to a websocket server
//
// The returned session is nil if help was requested and OptExitFn
// returned.
func ParseSessionArgs(config ParseSessionArgsConfig) (*session.Session, SessionArgs) {
	logger := log.Default()
	if config.OptLogger != nil {
		logger = config.OptLogger
	}

	if logger.Flags() == log.LstdFlags {
		logger.SetFlags(0)
	}

	s, args, err := parseSessionArgs(config)
	if err != nil {
		logger.Fatalln("fatal:", err)
	}

	return s, args
}

type rawSessionArgs struct {
	help          bool
	verbose       bool
	writable      bool
	base          string
	metadataPath  string
	maxRegionSize uint64
	skipOversized bool
}

func parseSessionArgs(config ParseSessionArgsConfig) (*session.Session, SessionArgs, error) {
	osArgs := os.Args
	if config.OptOsArgs != nil {
		osArgs = config.OptOsArgs
	}

	if len(osArgs) == 0 {
		return nil, SessionArgs{}, errors.New("os arguments are empty")
	}

	exitFn := os.Exit
	if config.OptExitFn != nil {
		exitFn = config.OptExitFn
	}

	description := defaultDescription
	if config.Description != "" {
		description = config.Description
	}

	flagSet := config.OptMainFlagSet
	if flagSet == nil {
		flagSet = flag.NewFlagSet(osArgs[0], flag.ExitOnError)
	}

	var raw rawSessionArgs

	flagSet.BoolVar(&raw.help, "h", false, "Display this information")
	flagSet.BoolVar(&raw.verbose, "v", false, "Enable verbose logging")
	flagSet.BoolVar(&raw.writable, "w", false, "Open the memory image writable")
	flagSet.StringVar(&raw.base, "base", "",
		"Preferred `address` of the physical memory view")
	flagSet.StringVar(&raw.metadataPath, "meta", "",
		"The metadata `file` path of a memory image")
	flagSet.Uint64Var(&raw.maxRegionSize, "max-region", scan.DefaultMaxRegionSize,
		"Largest region `size` to scan in bytes")
	flagSet.BoolVar(&raw.skipOversized, "skip-oversized", false,
		"Skip regions larger than the maximum instead of failing")

	flagSet.Usage = func() {
		name := flagSet.Name()
		fmt.Fprintf(flagSet.Output(), `DESCRIPTION
  %s

USAGE
  %s -h
  %s %s IMAGE-PATH [options]
  %s %s ADDRESS [options]

OPTIONS
`, description, name, name, imageMode, name, remoteMode)
		flagSet.PrintDefaults()
	}

	if config.OptModMainFlagSet != nil {
		config.OptModMainFlagSet(flagSet)
	}

	// The mode and its operand come before the options.
	remaining := osArgs[1:]
	var mode, operand string
	if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
		mode = remaining[0]
		remaining = remaining[1:]

		if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
			operand = remaining[0]
			remaining = remaining[1:]
		}
	}

	err := flagSet.Parse(remaining)
	if err != nil {
		return nil, SessionArgs{}, err
	}

	args := SessionArgs{
		Mode: mode,
		Help: raw.help,
		Args: flagSet.Args(),
	}

	if raw.help {
		flagSet.Usage()
		exitFn(1)
		return nil, args, nil
	}

	if raw.verbose {
		args.Verbose = log.New(os.Stderr, "[physkit] ", log.Ltime|log.Lmicroseconds)
	}

	options := session.Options{
		MaxRegionSize: raw.maxRegionSize,
		SkipOversized: raw.skipOversized,
		OptLogger:     args.Verbose,
	}

	if raw.base != "" {
		base, err := memory.ParsePointer(raw.base)
		if err != nil {
			return nil, args, fmt.Errorf("failed to parse preferred base - %w", err)
		}

		options.PreferredBase = base.Uint()
	}

	var resolveFn channel.ResolveFn

	switch mode {
	case imageMode:
		if operand == "" {
			return nil, args, errors.New("please specify the memory image path after the mode")
		}

		imageConfig := imagechan.Config{
			ImagePath:    operand,
			MetadataPath: raw.metadataPath,
			Writable:     raw.writable,
			OptLogger:    args.Verbose,
		}

		resolveFn = func() (channel.Dispatcher, error) {
			img, err := imagechan.Open(imageConfig)
			if err != nil {
				return nil, err
			}

			return img, nil
		}
	case remoteMode:
		if operand == "" {
			return nil, args, errors.New("please specify the server address after the mode")
		}

		url := operand
		if !strings.Contains(url, "://") {
			url = "ws://" + url + "/"
		}

		resolveFn = func() (channel.Dispatcher, error) {
			c, err := wschan.Dial(url)
			if err != nil {
				return nil, err
			}

			c.OptLogger = args.Verbose

			return c, nil
		}
	case "":
		return nil, args, fmt.Errorf("please specify a mode ('%s' or '%s')", imageMode, remoteMode)
	default:
		return nil, args, fmt.Errorf("unknown mode: %q", mode)
	}

	s, err := session.Open(resolveFn, options)
	if err != nil {
		return nil, args, fmt.Errorf("failed to open %s session - %w", mode, err)
	}

	return s, args, nil
}
