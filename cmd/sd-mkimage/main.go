// sd-mkimage creates a card image file and writes a cpio archive of the
// named files into it through the block engine, exercising the same write
// path a real card would see.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/sdhc"
	"github.com/c35s/sdmmc/sd/sdmodel"
	"github.com/cavaliergopher/cpio"
)

func main() {

	var (
		out  = flag.String("o", "sd.img", "write the card image to this file")
		size = flag.Int64("size", 64, "card image size in MiB")
	)

	flag.Parse()

	archive, err := buildArchive(flag.Args())
	if err != nil {
		fatal("archive", err)
	}

	img, err := os.OpenFile(*out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		fatal("create image", err)
	}

	defer img.Close()

	if err := img.Truncate(*size << 20); err != nil {
		fatal("size image", err)
	}

	if int64(len(archive)) > *size<<20 {
		fatal("write", fmt.Errorf("archive is %d bytes but the image holds %d", len(archive), *size<<20))
	}

	model, err := sdmodel.New(sdmodel.Config{
		Storage: &sdmodel.FileStorage{File: img},
	})

	if err != nil {
		fatal("model", err)
	}

	host, err := sdhc.New(sdhc.Config{Window: model})
	if err != nil {
		fatal("host adapter", err)
	}

	ctl, err := sd.New(host.Describe())
	if err != nil {
		fatal("controller", err)
	}

	defer ctl.Close()

	if err := ctl.Initialize(); err != nil {
		fatal("card init", err)
	}

	// pad the archive to a whole number of blocks
	padded := make([]byte, (len(archive)+sd.BlockSize-1)/sd.BlockSize*sd.BlockSize)
	copy(padded, archive)

	if err := ctl.WritePolled(0, padded); err != nil {
		fatal("write", err)
	}

	fmt.Printf("%s: %d MiB, %d archive bytes in %d blocks\n",
		*out, *size, len(archive), len(padded)/sd.BlockSize)
}

// buildArchive packs the named files into a cpio archive in newc format.
func buildArchive(paths []string) ([]byte, error) {
	buf := new(bytes.Buffer)
	cw := cpio.NewWriter(buf)

	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		err = cw.WriteHeader(&cpio.Header{
			Name: filepath.Base(path),
			Mode: 0644,
			Size: int64(len(body)),
		})

		if err != nil {
			return nil, err
		}

		if _, err := cw.Write(body); err != nil {
			return nil, err
		}
	}

	if err := cw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
