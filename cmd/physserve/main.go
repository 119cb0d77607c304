package main

import (
	"errors"
	"flag"
	"log"
	"net/http"
	"os"

	"gitlab.com/stephen-fox/physkit/imagechan"
	"gitlab.com/stephen-fox/physkit/wschan"
)

const (
	appName = "physserve"
	usage   = appName + `
DESCRIPTION
  Serves the kernel commands of a physical memory image to websocket
  clients. Tools connect to it with "remote ADDRESS".

USAGE
  ` + appName + ` [options] IMAGE-PATH

EXAMPLES
  Serve an image read-only on the loopback interface:
    $ ` + appName + ` -l 127.0.0.1:7885 win10.raw
    $ pslist remote 127.0.0.1:7885

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

	listenAddr := flag.String(
		"l",
		"127.0.0.1:7885",
		"The `address` to listen on")

	metadataPath := flag.String(
		"meta",
		"",
		"The metadata `file` path (defaults to IMAGE-PATH"+imagechan.MetadataSuffix+")")

	writable := flag.Bool(
		"w",
		false,
		"Allow clients to write to the image")

	verbose := flag.Bool(
		"v",
		false,
		"Log every connection and failed command")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		return errors.New("please specify the memory image path as the last argument")
	}

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "["+appName+"] ", log.Ltime|log.Lmicroseconds)
	}

	img, err := imagechan.Open(imagechan.Config{
		ImagePath:    flag.Arg(0),
		MetadataPath: *metadataPath,
		Writable:     *writable,
		OptLogger:    logger,
	})
	if err != nil {
		return err
	}
	defer img.Close()

	md := img.Metadata()

	log.Printf("serving 0x%x byte image of build %d on %s",
		img.Size(), md.BuildNumber, *listenAddr)

	return http.ListenAndServe(*listenAddr, &wschan.Server{
		Dispatcher: img,
		OptLogger:  logger,
	})
}
