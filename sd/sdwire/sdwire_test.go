package sdwire_test

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/sdhc"
	"github.com/c35s/sdmmc/sd/sdmodel"
	"github.com/c35s/sdmmc/sd/sdwire"
)

// memWindow is a register window over a sparse map.
type memWindow struct {
	mu   sync.Mutex
	regs map[int]uint32
}

func (w *memWindow) Read4(off int) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[off]
}

func (w *memWindow) Write4(off int, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.regs == nil {
		w.regs = make(map[int]uint32)
	}

	w.regs[off] = v
}

// serve starts a server for win on a loopback listener and arranges
// cleanup. It returns the server and its address.
func serve(t *testing.T, win sdwire.Window) (*sdwire.Server, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &sdwire.Server{Window: win}
	done := make(chan error, 1)

	go func() { done <- srv.Serve(lis) }()

	t.Cleanup(func() {
		lis.Close()
		if err := <-done; err != nil {
			t.Error(err)
		}
	})

	return srv, lis.Addr().String()
}

func TestReadWriteRoundTrip(t *testing.T) {
	win := &memWindow{}
	_, addr := serve(t, win)

	cli, err := sdwire.Dial("tcp", addr, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer cli.Close()

	// unacknowledged writes land before the next read
	cli.Write4(sdhc.RegArgument1, 0xDEADBEEF)
	cli.Write4(sdhc.RegBlockSizeCount, 0x200)

	if v := cli.Read4(sdhc.RegArgument1); v != 0xDEADBEEF {
		t.Errorf("read %#x != %#x", v, 0xDEADBEEF)
	}

	if v := cli.Read4(sdhc.RegBlockSizeCount); v != 0x200 {
		t.Errorf("read %#x != %#x", v, 0x200)
	}

	if v := cli.Read4(sdhc.RegCapabilities); v != 0 {
		t.Errorf("unwritten register reads %#x != 0", v)
	}
}

func TestInterrupt(t *testing.T) {
	srv, addr := serve(t, &memWindow{})

	notified := make(chan struct{}, 1)
	cli, err := sdwire.Dial("tcp", addr, func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	if err != nil {
		t.Fatal(err)
	}

	defer cli.Close()

	// the server may not have accepted the connection yet, so keep
	// knocking until the notification arrives
	deadline := time.After(5 * time.Second)
	for {
		srv.Interrupt()

		select {
		case <-notified:
			return

		case <-deadline:
			t.Fatal("no interrupt notification")

		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestClosedConnectionReadsOpenBus(t *testing.T) {
	win := &memWindow{}
	_, addr := serve(t, win)

	cli, err := sdwire.Dial("tcp", addr, nil)
	if err != nil {
		t.Fatal(err)
	}

	cli.Close()

	if v := cli.Read4(sdhc.RegArgument1); v != 0xFFFFFFFF {
		t.Errorf("read %#x != open bus", v)
	}
}

// TestRemoteCard brings a card up through a remote register window: the
// model and server on one side, the host adapter and engine driving a
// wire client on the other.
func TestRemoteCard(t *testing.T) {
	data := make([]byte, 16<<20)
	for i := range data {
		data[i] = byte(i >> 3)
	}

	mem := &sdmodel.MemStorage{Bytes: bytes.Clone(data)}

	var srv *sdwire.Server
	model, err := sdmodel.New(sdmodel.Config{
		Storage: mem,
		Notify: func() {
			if srv != nil {
				srv.Interrupt()
			}
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	var addr string
	srv, addr = serve(t, model)

	var service func()
	cli, err := sdwire.Dial("tcp", addr, func() {
		if service != nil {
			service()
		}
	})

	if err != nil {
		t.Fatal(err)
	}

	defer cli.Close()

	host, err := sdhc.New(sdhc.Config{Window: cli})
	if err != nil {
		t.Fatal(err)
	}

	ctl, err := sd.New(host.Describe())
	if err != nil {
		t.Fatal(err)
	}

	service = func() { host.Service(ctl) }

	if err := ctl.Initialize(); err != nil {
		t.Fatal(err)
	}

	if !ctl.MediaPresent() {
		t.Fatal("media is not present")
	}

	got := make([]byte, 4*512)
	if err := ctl.ReadPolled(3, got); err != nil {
		t.Fatal(err)
	}

	if want := data[3*512 : 7*512]; !bytes.Equal(got, want) {
		t.Error("read data differs from storage")
	}

	want := make([]byte, 2*512)
	for i := range want {
		want[i] = 0xA5
	}

	if err := ctl.WritePolled(50, want); err != nil {
		t.Fatal(err)
	}

	if got := mem.Bytes[50*512 : 52*512]; !bytes.Equal(got, want) {
		t.Error("storage differs from written data")
	}
}
