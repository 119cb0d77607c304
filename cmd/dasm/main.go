package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"gitlab.com/stephen-fox/physkit/asmkit"
	"gitlab.com/stephen-fox/physkit/memory"
	"gitlab.com/stephen-fox/physkit/pedump"
	"gitlab.com/stephen-fox/physkit/process"
	"gitlab.com/stephen-fox/physkit/scripting"
)

const (
	hexFormat = "hex"
	b64Format = "b64"

	prettyFormat      = "pretty"
	jsonDisassFormat  = "json"
	jsonVerboseFormat = "jsonv"
	goFormat          = "go"

	description = `Disassembles code in the memory of a process. Branch targets
  that land on an export of a loaded module are printed by name.

  Disassemble the entry point of a module into a Go []byte:
    $ dasm image win10.raw -p notepad.exe -a 0x7ff7a0023f40 -o go
    []byte {
        0x48, 0x83, 0xec, 0x28, // sub rsp, 0x28
        0xe8, 0x7, 0x6, 0x0, 0x0, // call 0x7ff7a002455c
        ...
    }`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	var target string
	var addrStr string
	var size int
	var bits int
	var syntax string
	var outputFormat string
	var exportNames bool

	s, _ := scripting.ParseSessionArgs(scripting.ParseSessionArgsConfig{
		Description: description,
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.StringVar(&target, "p", "",
				"The `pid or name` of the process")
			flagSet.StringVar(&addrStr, "a", "",
				"The virtual `address` to disassemble")
			flagSet.IntVar(&size, "n", 0x40,
				"The number of `bytes` to disassemble")
			flagSet.IntVar(&bits, "bits", 64,
				"The processor mode (32 for WoW64 code)")
			flagSet.StringVar(&syntax, "s", string(asmkit.IntelSyntax),
				"The desired assembly `syntax` (intel, att, go)")
			flagSet.StringVar(&outputFormat, "o", prettyFormat,
				"The output `format` (pretty, json, jsonv, go, hex, b64)")
			flagSet.BoolVar(&exportNames, "exports", false,
				"Name branch targets with module exports")
		},
	})
	defer s.Close()

	if addrStr == "" {
		return errors.New("please specify an address to disassemble")
	}

	addr, err := memory.ParsePointer(addrStr)
	if err != nil {
		return err
	}

	p, err := scripting.FindProcess(s, target)
	if err != nil {
		return err
	}

	space, err := s.Space(p.PID)
	if err != nil {
		return err
	}

	config := asmkit.Config{
		Syntax: asmkit.Syntax(syntax),
		Bits:   bits,
	}

	if exportNames {
		modules, err := s.Resolver.Modules(p.PID)
		if err != nil {
			return fmt.Errorf("failed to list modules for symbols - %w", err)
		}

		config.OptSymbolFn = exportSymbols(space, modules)
	}

	disassembler, err := asmkit.NewDisassembler(config)
	if err != nil {
		return fmt.Errorf("failed to create new disassembler - %w", err)
	}

	insts, err := disassembler.Read(space, addr.Uint(), size)
	if err != nil {
		return err
	}

	output := bytes.NewBuffer(nil)
	var writer instWriter

	switch outputFormat {
	case prettyFormat:
		writer = &disassWriter{
			w: output,
		}
	case hexFormat:
		writer = &encoderWriter{
			encoder: hex.NewEncoder(output),
			w:       output,
		}
	case b64Format:
		writer = &encoderWriter{
			encoder: base64.NewEncoder(base64.StdEncoding, output),
			w:       output,
		}
	case jsonDisassFormat:
		writer = &jsonDisassWriter{
			indent: "  ",
			w:      output,
		}
	case jsonVerboseFormat:
		writer = &jsonVerboseWriter{
			indent: "  ",
			w:      output,
		}
	case goFormat:
		writer = &goByteSliceWriter{
			w: output,
		}
	default:
		return fmt.Errorf("unsupported output format: %q",
			outputFormat)
	}

	for _, inst := range insts {
		err = writer.Write(inst)
		if err != nil {
			return err
		}
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)
	if err != nil {
		return err
	}

	return nil
}

type symbol struct {
	addr uint64
	name string
}

// exportSymbols names addresses that are exports of modules. The
// export tables are parsed the first time an address inside of a
// module is looked up.
func exportSymbols(space memory.Space, modules []process.Module) asmkit.SymbolFn {
	parsed := make(map[uint64][]symbol)

	return func(addr uint64) (string, uint64) {
		for _, m := range modules {
			if addr < m.Base || addr >= m.End() {
				continue
			}

			symbols, ok := parsed[m.Base]
			if !ok {
				symbols = moduleSymbols(space, m)
				parsed[m.Base] = symbols
			}

			i := sort.Search(len(symbols), func(i int) bool {
				return symbols[i].addr >= addr
			})
			if i < len(symbols) && symbols[i].addr == addr {
				return symbols[i].name, addr
			}

			return "", 0
		}

		return "", 0
	}
}

func moduleSymbols(space memory.Space, m process.Module) []symbol {
	img, err := pedump.Read(space, m.Base)
	if err != nil {
		return nil
	}

	exports, err := img.Exports()
	if err != nil {
		return nil
	}

	symbols := make([]symbol, 0, len(exports))
	for _, e := range exports {
		if e.Name == "" {
			continue
		}

		symbols = append(symbols, symbol{
			addr: m.Base + uint64(e.VirtualAddress),
			name: m.BaseName + "!" + e.Name,
		})
	}

	sort.Slice(symbols, func(i, j int) bool {
		return symbols[i].addr < symbols[j].addr
	})

	return symbols
}

type instWriter interface {
	Write(asmkit.Inst) error
	Flush() error
}

var _ instWriter = (*disassWriter)(nil)

type disassWriter struct {
	w io.Writer
}

func (o *disassWriter) Write(inst asmkit.Inst) error {
	_, err := fmt.Fprintf(o.w, "0x%016x  %s\n", inst.Addr, inst.Dis)
	if err != nil {
		return err
	}

	return nil
}

func (o *disassWriter) Flush() error {
	return nil
}

var _ instWriter = (*encoderWriter)(nil)

type encoderWriter struct {
	encoder io.Writer
	w       io.Writer
}

func (o *encoderWriter) Write(inst asmkit.Inst) error {
	_, err := o.encoder.Write(inst.Bin)
	if err != nil {
		return err
	}

	return nil
}

func (o *encoderWriter) Flush() error {
	closer, ok := o.encoder.(io.Closer)
	if ok {
		err := closer.Close()
		if err != nil {
			return err
		}
	}

	_, err := o.w.Write([]byte{'\n'})
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*jsonDisassWriter)(nil)

type jsonDisassWriter struct {
	indent string
	w      io.Writer
	buf    []string
}

func (o *jsonDisassWriter) Write(inst asmkit.Inst) error {
	o.buf = append(o.buf, inst.Dis)

	return nil
}

func (o *jsonDisassWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", o.indent)

	err := enc.Encode(o.buf)
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*jsonVerboseWriter)(nil)

type jsonVerboseWriter struct {
	indent string
	w      io.Writer
	buf    []json.RawMessage
}

func (o *jsonVerboseWriter) Write(inst asmkit.Inst) error {
	item, err := json.MarshalIndent(&inst, "", o.indent)
	if err != nil {
		return err
	}

	o.buf = append(o.buf, item)

	return nil
}

func (o *jsonVerboseWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", o.indent)

	err := enc.Encode(o.buf)
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*goByteSliceWriter)(nil)

type goByteSliceWriter struct {
	isInit bool
	w      io.Writer
}

func (o *goByteSliceWriter) Write(inst asmkit.Inst) error {
	if !o.isInit {
		o.isInit = true

		_, err := o.w.Write([]byte("[]byte {\n"))
		if err != nil {
			return err
		}
	}

	_, err := o.w.Write([]byte{'\t'})
	if err != nil {
		return err
	}

	for _, b := range inst.Bin {
		_, err = fmt.Fprintf(o.w, "0x%x, ", b)
		if err != nil {
			return err
		}
	}

	_, err = o.w.Write([]byte("// " + inst.Dis + "\n"))
	if err != nil {
		return err
	}

	return nil
}

func (o *goByteSliceWriter) Flush() error {
	_, err := o.w.Write([]byte{'}', '\n'})
	if err != nil {
		return err
	}

	return nil
}
