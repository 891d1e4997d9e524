// Command sdmmc brings up an SD or MMC card behind a standard host
// controller and reads from it. With no -connect flag the controller is a
// software model backed by a local image file, which can also be served to
// remote clients over TCP.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/dma"
	"github.com/c35s/sdmmc/sd/sdhc"
	"github.com/c35s/sdmmc/sd/sdmodel"
	"github.com/c35s/sdmmc/sd/sdwire"
	"golang.org/x/term"
)

const memSize = 1 << 20

func main() {

	var (
		imgPath = flag.String("img", "", "back the modeled card with this image file")
		mmc     = flag.Bool("mmc", false, "model an MMC card instead of SD")
		useDMA  = flag.Bool("dma", false, "read with DMA instead of the polled path")
		block   = flag.Uint64("read", 0, "read and dump this block")
		count   = flag.Int("count", 1, "number of blocks to read")
		serve   = flag.String("serve", "", "serve the card's register window on this TCP address")
		connect = flag.String("connect", "", "drive a remote register window at this TCP address")
	)

	flag.Parse()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}

	// service drives the host adapter's interrupt path. It is set once
	// the controller exists.
	var service func()

	notify := func() {
		if service != nil {
			service()
		}
	}

	var window sdhc.Window
	var mem *dma.Arena

	switch {
	case *connect != "":
		client, err := sdwire.Dial("tcp", *connect, notify)
		if err != nil {
			fatal("connect", err)
		}

		defer client.Close()
		window = client

	case *imgPath != "":
		img, err := os.OpenFile(*imgPath, os.O_RDWR, 0)
		if err != nil {
			fatal("open image", err)
		}

		defer img.Close()

		mem = dma.NewArena(0x1000, make([]byte, memSize))
		model, err := sdmodel.New(sdmodel.Config{
			Storage: &sdmodel.FileStorage{File: img},
			MMC:     *mmc,
			Mem:     mem,
			Notify:  notify,
		})

		if err != nil {
			fatal("model", err)
		}

		window = model

		if *serve != "" {
			lis, err := net.Listen("tcp", *serve)
			if err != nil {
				fatal("listen", err)
			}

			srv := sdwire.Server{Window: model}
			service = srv.Interrupt

			slog.Info("serving register window", "addr", lis.Addr())
			if err := srv.Serve(lis); err != nil {
				fatal("serve", err)
			}

			return
		}

	default:
		fmt.Fprintln(os.Stderr, "one of -img or -connect is required")
		flag.Usage()
		os.Exit(2)
	}

	host, err := sdhc.New(sdhc.Config{Window: window, Mem: mem})
	if err != nil {
		fatal("host adapter", err)
	}

	ctl, err := sd.New(host.Describe())
	if err != nil {
		fatal("controller", err)
	}

	defer ctl.Close()

	service = func() { host.Service(ctl) }

	if err := ctl.Initialize(); err != nil {
		fatal("card init", err)
	}

	slog.Info("card ready",
		"capacity", ctl.UserCapacity,
		"blocklen", ctl.ReadBlockLen,
		"rca", ctl.CardAddress,
		"width", ctl.BusWidth,
		"clock", uint32(ctl.ClockSpeed),
		"highcap", ctl.HighCapacity())

	buf := make([]byte, *count*sd.BlockSize)

	if *useDMA {
		if mem == nil {
			fatal("enable dma", fmt.Errorf("dma needs a local model"))
		}

		if err := host.EnableDMA(ctl); err != nil {
			fatal("enable dma", err)
		}

		addr, shared, err := mem.Alloc(len(buf), sd.BlockSize)
		if err != nil {
			fatal("alloc dma buffer", err)
		}

		segs := []dma.Segment{{Addr: addr, Len: uint32(len(buf))}}
		if _, err := ctl.TransferDMAWait(*block, segs, false); err != nil {
			fatal("dma read", err)
		}

		copy(buf, shared)
	} else {
		if err := ctl.ReadPolled(*block, buf); err != nil {
			fatal("read", err)
		}
	}

	fmt.Print(hex.Dump(buf))
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
