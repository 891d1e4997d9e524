package sdhc_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/dma"
	"github.com/c35s/sdmmc/sd/sdhc"
	"github.com/c35s/sdmmc/sd/sdmodel"
)

// rig is a controller stack wired to a modeled card.
type rig struct {
	model *sdmodel.Model
	host  *sdhc.Host
	ctl   *sd.Controller
}

// newRig builds a model, host adapter, and protocol engine, connecting the
// model's interrupt line back to the host's service loop. tweak, if set,
// adjusts the discovered controller config before the engine is built.
func newRig(t *testing.T, mcfg sdmodel.Config, hcfg sdhc.Config, tweak func(*sd.Config)) *rig {
	t.Helper()

	var service func()
	mcfg.Notify = func() {
		if service != nil {
			service()
		}
	}

	model, err := sdmodel.New(mcfg)
	if err != nil {
		t.Fatal(err)
	}

	if hcfg.Window == nil {
		hcfg.Window = model
	}

	host, err := sdhc.New(hcfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg := host.Describe()
	if tweak != nil {
		tweak(&cfg)
	}

	ctl, err := sd.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	service = func() { host.Service(ctl) }
	return &rig{model: model, host: host, ctl: ctl}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i>>2 + i>>9)
	}

	return b
}

func TestInitializeSD(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 64<<20)}
	r := newRig(t, sdmodel.Config{Storage: mem}, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if !r.ctl.MediaPresent() {
		t.Error("media is not present")
	}

	if r.ctl.Version != sd.VersionSD2 {
		t.Errorf("version %d != %d", r.ctl.Version, sd.VersionSD2)
	}

	if r.ctl.HighCapacity() {
		t.Error("a 64 MiB card is not high capacity")
	}

	if r.ctl.CardAddress == 0 {
		t.Error("no relative card address")
	}

	if r.ctl.BusWidth != 4 {
		t.Errorf("bus width %d != 4", r.ctl.BusWidth)
	}

	if w, err := r.ctl.HardwareBusWidth(); err != nil || w != 4 {
		t.Errorf("hardware bus width %d (err %v) != 4", w, err)
	}

	if r.ctl.ClockSpeed != sd.Clock50MHz {
		t.Errorf("clock speed %d != %d", r.ctl.ClockSpeed, sd.Clock50MHz)
	}

	if r.ctl.UserCapacity != 64<<20 {
		t.Errorf("capacity %d != %d", r.ctl.UserCapacity, 64<<20)
	}

	if r.ctl.ReadBlockLen != 512 {
		t.Errorf("read block length %d != 512", r.ctl.ReadBlockLen)
	}

	count, size, err := r.ctl.MediaParameters()
	if err != nil {
		t.Fatal(err)
	}

	if count != (64<<20)/512 || size != 512 {
		t.Errorf("media parameters %d x %d", count, size)
	}
}

func TestInitializeHighCapacity(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "card")
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	// sparse: only touched blocks use disk
	if err := f.Truncate(2 << 30); err != nil {
		t.Fatal(err)
	}

	mcfg := sdmodel.Config{Storage: &sdmodel.FileStorage{File: f}}
	r := newRig(t, mcfg, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if !r.ctl.HighCapacity() {
		t.Error("a 2 GiB card is high capacity")
	}

	if r.ctl.UserCapacity != 2<<30 {
		t.Errorf("capacity %d != %d", r.ctl.UserCapacity, 2<<30)
	}

	// block addressing reaches past the 32-bit byte-offset horizon
	blockOff := uint64(3 << 20) // 1.5 GiB in
	want := pattern(2 * 512)

	if err := r.ctl.WritePolled(blockOff, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if err := r.ctl.ReadPolled(blockOff, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Error("read data differs from written data")
	}
}

func TestInitializeLegacyCard(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	mcfg := sdmodel.Config{
		Storage: mem,
		Faults:  sdmodel.Faults{NakIfCond: true},
	}

	r := newRig(t, mcfg, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if r.ctl.Version != sd.VersionSD1p0 {
		t.Errorf("version %d != %d", r.ctl.Version, sd.VersionSD1p0)
	}

	if r.ctl.HighCapacity() {
		t.Error("a legacy card is never high capacity")
	}

	// version 1.0 predates CMD6, so the clock stays at default speed
	if r.ctl.ClockSpeed != sd.Clock25MHz {
		t.Errorf("clock speed %d != %d", r.ctl.ClockSpeed, sd.Clock25MHz)
	}
}

func TestInitializeAbsorbsCommandFaults(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	mcfg := sdmodel.Config{
		Storage: mem,
		Faults:  sdmodel.Faults{CommandCRC: 2},
	}

	r := newRig(t, mcfg, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if !r.ctl.MediaPresent() {
		t.Error("media is not present")
	}
}

func TestInitializeNeverReady(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	mcfg := sdmodel.Config{
		Storage: mem,
		Faults:  sdmodel.Faults{NeverReady: true},
	}

	r := newRig(t, mcfg, sdhc.Config{}, nil)

	err := r.ctl.Initialize()
	if !errors.Is(err, sd.ErrNotReady) {
		t.Errorf("err %v is not ErrNotReady", err)
	}

	if r.ctl.MediaPresent() {
		t.Error("media must not be present after a failed init")
	}
}

func TestInitializeMMC(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 128<<20)}
	r := newRig(t, sdmodel.Config{Storage: mem, MMC: true}, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if r.ctl.Version != sd.VersionMMC4p5 {
		t.Errorf("version %d != %d", r.ctl.Version, sd.VersionMMC4p5)
	}

	if r.ctl.CardAddress != 1 {
		t.Errorf("rca %d != 1: the host assigns MMC addresses", r.ctl.CardAddress)
	}

	if r.ctl.BusWidth != 8 {
		t.Errorf("bus width %d != 8", r.ctl.BusWidth)
	}

	if w, err := r.ctl.HardwareBusWidth(); err != nil || w != 8 {
		t.Errorf("hardware bus width %d (err %v) != 8", w, err)
	}

	if r.ctl.ClockSpeed != sd.Clock52MHz {
		t.Errorf("clock speed %d != %d", r.ctl.ClockSpeed, sd.Clock52MHz)
	}

	if r.ctl.UserCapacity != 128<<20 {
		t.Errorf("capacity %d != %d", r.ctl.UserCapacity, 128<<20)
	}

	if r.ctl.EraseGroupSize != 16 {
		t.Errorf("erase group size %d != 16", r.ctl.EraseGroupSize)
	}

	want := pattern(3 * 512)
	if err := r.ctl.WritePolled(10, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if err := r.ctl.ReadPolled(10, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Error("read data differs from written data")
	}
}

func TestShiftedResponses(t *testing.T) {
	storage := func() *sdmodel.MemStorage {
		return &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	}

	plain := newRig(t, sdmodel.Config{Storage: storage()}, sdhc.Config{}, nil)
	if err := plain.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	shifted := newRig(t, sdmodel.Config{Storage: storage(), Shift136: true}, sdhc.Config{},
		func(cfg *sd.Config) {
			cfg.HostCaps |= sd.CapResp136Shifted
		})

	if err := shifted.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	// the shift fixup must reconstruct identical registers
	if shifted.ctl.CSD != plain.ctl.CSD {
		t.Errorf("csd %#x != %#x", shifted.ctl.CSD, plain.ctl.CSD)
	}

	if shifted.ctl.CID != plain.ctl.CID {
		t.Errorf("cid %#x != %#x", shifted.ctl.CID, plain.ctl.CID)
	}

	if shifted.ctl.UserCapacity != plain.ctl.UserCapacity {
		t.Errorf("capacity %d != %d", shifted.ctl.UserCapacity, plain.ctl.UserCapacity)
	}
}

func TestPolledReadWrite(t *testing.T) {
	data := pattern(8 << 20)
	mem := &sdmodel.MemStorage{Bytes: bytes.Clone(data)}
	r := newRig(t, sdmodel.Config{Storage: mem}, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	t.Run("read", func(t *testing.T) {
		got := make([]byte, 5*512)
		if err := r.ctl.ReadPolled(7, got); err != nil {
			t.Fatal(err)
		}

		if want := data[7*512 : 12*512]; !bytes.Equal(got, want) {
			t.Error("read data differs from storage")
		}
	})

	t.Run("write", func(t *testing.T) {
		want := pattern(2 * 512)
		for i := range want {
			want[i] ^= 0xFF
		}

		if err := r.ctl.WritePolled(100, want); err != nil {
			t.Fatal(err)
		}

		if got := mem.Bytes[100*512 : 102*512]; !bytes.Equal(got, want) {
			t.Error("storage differs from written data")
		}
	})

	t.Run("misaligned buffer", func(t *testing.T) {
		err := r.ctl.ReadPolled(0, make([]byte, 100))
		if !errors.Is(err, sd.ErrInvalidConfig) {
			t.Errorf("err %v is not ErrInvalidConfig", err)
		}
	})
}

// countingWindow counts command issues on its way to the real window.
type countingWindow struct {
	sdhc.Window
	cmds int
}

func (cw *countingWindow) Write4(off int, v uint32) {
	if off == sdhc.RegCommand {
		cw.cmds++
	}

	cw.Window.Write4(off, v)
}

func TestDMATransfer(t *testing.T) {
	run := func(t *testing.T, tweak func(*sd.Config)) {
		data := pattern(4 << 20)
		mem := &sdmodel.MemStorage{Bytes: bytes.Clone(data)}
		arena := dma.NewArena(0x1000, make([]byte, 1<<20))

		mcfg := sdmodel.Config{Storage: mem, Mem: arena}
		hcfg := sdhc.Config{Mem: arena}

		r := newRig(t, mcfg, hcfg, tweak)

		if err := r.ctl.Initialize(); err != nil {
			t.Fatal(err)
		}

		if err := r.host.EnableDMA(r.ctl); err != nil {
			t.Fatal(err)
		}

		if !r.ctl.DMAEnabled() {
			t.Fatal("dma is not enabled")
		}

		addr, buf, err := arena.Alloc(16*512, 512)
		if err != nil {
			t.Fatal(err)
		}

		segs := []dma.Segment{{Addr: addr, Len: uint32(len(buf))}}

		t.Run("read", func(t *testing.T) {
			n, err := r.ctl.TransferDMAWait(20, segs, false)
			if err != nil {
				t.Fatal(err)
			}

			if n != int64(len(buf)) {
				t.Errorf("moved %d != %d", n, len(buf))
			}

			if want := data[20*512 : 36*512]; !bytes.Equal(buf, want) {
				t.Error("read data differs from storage")
			}
		})

		t.Run("write", func(t *testing.T) {
			want := pattern(len(buf))
			for i := range want {
				want[i] ^= 0x5A
			}

			copy(buf, want)

			n, err := r.ctl.TransferDMAWait(200, segs, true)
			if err != nil {
				t.Fatal(err)
			}

			if n != int64(len(buf)) {
				t.Errorf("moved %d != %d", n, len(buf))
			}

			if got := mem.Bytes[200*512 : 216*512]; !bytes.Equal(got, want) {
				t.Error("storage differs from written data")
			}
		})

		t.Run("one block matches polled", func(t *testing.T) {
			one := []dma.Segment{{Addr: addr, Len: 512}}
			n, err := r.ctl.TransferDMAWait(77, one, false)
			if err != nil {
				t.Fatal(err)
			}

			if n != 512 {
				t.Errorf("moved %d != 512", n)
			}

			polled := make([]byte, 512)
			if err := r.ctl.ReadPolled(77, polled); err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(buf[:512], polled) {
				t.Error("dma and polled reads differ")
			}
		})
	}

	t.Run("adma2", func(t *testing.T) {
		run(t, nil)
	})

	t.Run("sdma", func(t *testing.T) {
		run(t, func(cfg *sd.Config) {
			cfg.HostCaps &^= sd.CapADMA2
		})
	})
}

func TestDMATransferChunks(t *testing.T) {
	data := pattern(4 << 20)
	mem := &sdmodel.MemStorage{Bytes: bytes.Clone(data)}
	arena := dma.NewArena(0x1000, make([]byte, 1<<20))

	var service func()
	model, err := sdmodel.New(sdmodel.Config{
		Storage: mem,
		Mem:     arena,
		Notify: func() {
			if service != nil {
				service()
			}
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	cw := &countingWindow{Window: model}

	// two descriptors of at most 512 bytes each: 1 KiB per command
	host, err := sdhc.New(sdhc.Config{Window: cw, Mem: arena, DescCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	cfg := host.Describe()
	cfg.MaxDescTransfer = 512

	ctl, err := sd.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	service = func() { host.Service(ctl) }

	if err := ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if err := host.EnableDMA(ctl); err != nil {
		t.Fatal(err)
	}

	addr, buf, err := arena.Alloc(8*512, 512)
	if err != nil {
		t.Fatal(err)
	}

	cw.cmds = 0

	segs := []dma.Segment{{Addr: addr, Len: uint32(len(buf))}}
	n, err := ctl.TransferDMAWait(0, segs, false)
	if err != nil {
		t.Fatal(err)
	}

	if n != int64(len(buf)) {
		t.Errorf("moved %d != %d", n, len(buf))
	}

	if !bytes.Equal(buf, data[:len(buf)]) {
		t.Error("read data differs from storage")
	}

	if cw.cmds != 4 {
		t.Errorf("transfer took %d commands, want 4", cw.cmds)
	}
}

func TestMediaChange(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}

	var events []bool
	r := newRig(t, sdmodel.Config{Storage: mem}, sdhc.Config{}, func(cfg *sd.Config) {
		cfg.OnMediaChange = func(inserted bool) {
			events = append(events, inserted)
		}
	})

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if r.ctl.MediaChanged() {
		t.Error("change pending right after init")
	}

	r.model.Eject()

	if r.ctl.MediaPresent() {
		t.Error("media still present after eject")
	}

	if !r.ctl.MediaChanged() {
		t.Error("eject did not register a media change")
	}

	if r.ctl.MediaChanged() {
		t.Error("the change edge must clear once reported")
	}

	if err := r.ctl.ReadPolled(0, make([]byte, 512)); !errors.Is(err, sd.ErrNoMedia) {
		t.Errorf("err %v is not ErrNoMedia", err)
	}

	r.model.Insert()

	if !r.ctl.MediaChanged() {
		t.Error("insert did not register a media change")
	}

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if !r.ctl.MediaPresent() {
		t.Error("media is not present after reinit")
	}

	want := []bool{false, true}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("media change events %v, want %v", events, want)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	r := newRig(t, sdmodel.Config{Storage: mem}, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := r.host.Reset(r.ctl, sd.ResetCommandLine|sd.ResetDataLine); err != nil {
			t.Fatal(err)
		}
	}

	// the bus still works after line resets
	if err := r.ctl.ReadPolled(0, make([]byte, 512)); err != nil {
		t.Fatal(err)
	}
}

func TestWriteProtect(t *testing.T) {
	mem := &sdmodel.MemStorage{Bytes: make([]byte, 16<<20)}
	r := newRig(t, sdmodel.Config{Storage: mem}, sdhc.Config{}, nil)

	if err := r.ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	wp, err := r.ctl.WriteProtected()
	if err != nil {
		t.Fatal(err)
	}

	if wp {
		t.Error("writable storage reported protected")
	}
}
