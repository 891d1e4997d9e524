// sd-regdump prints the register window of a host controller, either a
// remote one served over TCP or a freshly modeled card backed by an image
// file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/sdmmc/sd/sdhc"
	"github.com/c35s/sdmmc/sd/sdmodel"
	"github.com/c35s/sdmmc/sd/sdwire"
)

var regNames = map[int]string{
	sdhc.RegSDMAAddress:           "sdma address",
	sdhc.RegBlockSizeCount:        "block size/count",
	sdhc.RegArgument1:             "argument 1",
	sdhc.RegCommand:               "transfer mode/command",
	sdhc.RegResponse10:            "response 1:0",
	sdhc.RegResponse32:            "response 3:2",
	sdhc.RegResponse54:            "response 5:4",
	sdhc.RegResponse76:            "response 7:6",
	sdhc.RegBufferDataPort:        "buffer data port",
	sdhc.RegPresentState:          "present state",
	sdhc.RegHostControl:           "host control",
	sdhc.RegClockControl:          "clock control",
	sdhc.RegInterruptStatus:       "interrupt status",
	sdhc.RegInterruptStatusEnable: "interrupt status enable",
	sdhc.RegInterruptSignalEnable: "interrupt signal enable",
	sdhc.RegControlStatus2:        "auto cmd status/control 2",
	sdhc.RegCapabilities:          "capabilities",
	sdhc.RegCapabilities2:         "capabilities 2",
	sdhc.RegMaxCapabilities:       "max current capabilities",
	sdhc.RegMaxCapabilities2:      "max current capabilities 2",
	sdhc.RegForceEvent:            "force event",
	sdhc.RegADMAErrorStatus:       "adma error status",
	sdhc.RegADMAAddressLow:        "adma address low",
	sdhc.RegADMAAddressHigh:       "adma address high",
	sdhc.RegSlotStatusVersion:     "slot status/version",
}

func main() {

	var (
		imgPath = flag.String("img", "", "model a card backed by this image file")
		connect = flag.String("connect", "", "dump a remote register window at this TCP address")
	)

	flag.Parse()

	var window sdhc.Window

	switch {
	case *connect != "":
		client, err := sdwire.Dial("tcp", *connect, nil)
		if err != nil {
			fatal("connect", err)
		}

		defer client.Close()
		window = client

	case *imgPath != "":
		img, err := os.Open(*imgPath)
		if err != nil {
			fatal("open image", err)
		}

		defer img.Close()

		model, err := sdmodel.New(sdmodel.Config{
			Storage: &sdmodel.FileStorage{File: img},
		})

		if err != nil {
			fatal("model", err)
		}

		window = model

	default:
		fmt.Fprintln(os.Stderr, "one of -img or -connect is required")
		flag.Usage()
		os.Exit(2)
	}

	for off := 0; off < sdhc.WindowSize; off += 4 {
		if off == sdhc.RegBufferDataPort {
			// reading the data port has side effects
			continue
		}

		name := regNames[off]
		fmt.Printf("%#04x  %08x  %s\n", off, window.Read4(off), name)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
