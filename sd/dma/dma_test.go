package dma_test

import (
	"errors"
	"testing"

	"github.com/c35s/sdmmc/sd/dma"
	"github.com/google/go-cmp/cmp"
)

func TestDesc(t *testing.T) {
	t.Run("encodes", func(t *testing.T) {
		d := dma.Desc(0x1000, 0x200)

		if d.Addr != 0x1000 {
			t.Errorf("addr %#x != 0x1000", d.Addr)
		}

		if d.Len() != 0x200 {
			t.Errorf("len %#x != 0x200", d.Len())
		}

		if d.Attrs&dma.AttrValid == 0 {
			t.Error("valid bit is not set")
		}

		if d.Attrs&dma.ActionMask != dma.ActionTransfer {
			t.Error("action is not transfer")
		}

		if d.End() {
			t.Error("end bit is set")
		}
	})

	t.Run("zero length panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		dma.Desc(0, 0)
	})

	t.Run("overlong panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		dma.Desc(0, dma.MaxDescLen+1)
	})
}

func TestBuild(t *testing.T) {
	t.Run("single segment", func(t *testing.T) {
		table := make([]dma.D, 4)
		n, err := dma.Build(table, []dma.Segment{{Addr: 0x1000, Len: 0x400}}, 0)
		if err != nil {
			t.Fatal(err)
		}

		want := dma.Desc(0x1000, 0x400)
		want.Attrs |= dma.AttrEnd | dma.AttrInterrupt

		if n != 1 {
			t.Fatalf("n %d != 1", n)
		}

		if diff := cmp.Diff(want, table[0]); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("splits long runs", func(t *testing.T) {
		// 9000 bytes with a 4 KiB cap is three descriptors
		table := make([]dma.D, 8)
		n, err := dma.Build(table, []dma.Segment{{Addr: 0x1000, Len: 9000}}, 0x1000)
		if err != nil {
			t.Fatal(err)
		}

		if n != 3 {
			t.Fatalf("n %d != 3", n)
		}

		var total uint32
		for i := 0; i < n; i++ {
			total += table[i].Len()

			if end := table[i].End(); end != (i == n-1) {
				t.Errorf("desc %d end bit %v", i, end)
			}
		}

		if total != 9000 {
			t.Errorf("chain moves %d bytes != 9000", total)
		}
	})

	t.Run("one descriptor per block", func(t *testing.T) {
		// 8 blocks with a one-block cap is exactly 8 descriptors
		table := make([]dma.D, 16)
		n, err := dma.Build(table, []dma.Segment{{Addr: 0x4000, Len: 8 * 512}}, 512)
		if err != nil {
			t.Fatal(err)
		}

		if n != 8 {
			t.Fatalf("n %d != 8", n)
		}

		var total uint32
		for i := 0; i < n; i++ {
			total += table[i].Len()

			if end := table[i].End(); end != (i == n-1) {
				t.Errorf("desc %d end bit %v", i, end)
			}
		}

		if total != 8*512 {
			t.Errorf("chain moves %d bytes != %d", total, 8*512)
		}

		last := table[n-1]
		if last.Attrs&dma.AttrInterrupt == 0 {
			t.Error("last descriptor does not interrupt")
		}
	})

	t.Run("coalesces contiguous segments", func(t *testing.T) {
		table := make([]dma.D, 4)
		segs := []dma.Segment{
			{Addr: 0x1000, Len: 0x200},
			{Addr: 0x1200, Len: 0x200},
			{Addr: 0x2000, Len: 0x100},
		}

		n, err := dma.Build(table, segs, 0)
		if err != nil {
			t.Fatal(err)
		}

		if n != 2 {
			t.Fatalf("n %d != 2", n)
		}

		if table[0].Len() != 0x400 {
			t.Errorf("desc 0 len %#x != 0x400", table[0].Len())
		}

		if table[1].Addr != 0x2000 {
			t.Errorf("desc 1 addr %#x != 0x2000", table[1].Addr)
		}
	})

	t.Run("table full", func(t *testing.T) {
		table := make([]dma.D, 2)
		segs := []dma.Segment{{Addr: 0x1000, Len: 3 * 0x1000}}

		n, err := dma.Build(table, segs, 0x1000)
		if !errors.Is(err, dma.ErrTableFull) {
			t.Fatalf("err %v is not ErrTableFull", err)
		}

		if n != 0 {
			t.Errorf("n %d != 0", n)
		}

		// the table must not have been touched
		if diff := cmp.Diff(make([]dma.D, 2), table); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("no segments panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		dma.Build(make([]dma.D, 1), nil, 0)
	})
}

func TestSDMARun(t *testing.T) {
	cases := []struct {
		addr uint32
		size int64
		want uint32
	}{
		{addr: 0, size: 0x1000, want: 0x1000},
		{addr: 0, size: dma.SDMABoundary + 1, want: dma.SDMABoundary},
		{addr: dma.SDMABoundary - 0x200, size: 0x1000, want: 0x200},
		{addr: 0x10000, size: dma.SDMABoundary, want: dma.SDMABoundary - 0x10000},
	}

	for _, c := range cases {
		if got := dma.SDMARun(c.addr, c.size); got != c.want {
			t.Errorf("SDMARun(%#x, %#x) = %#x, want %#x", c.addr, c.size, got, c.want)
		}
	}
}

func TestArena(t *testing.T) {
	t.Run("alloc aligns", func(t *testing.T) {
		a := dma.NewArena(0x1000, make([]byte, 0x100))

		addr, b, err := a.Alloc(3, 1)
		if err != nil {
			t.Fatal(err)
		}

		if addr != 0x1000 || len(b) != 3 {
			t.Errorf("addr %#x len %d", addr, len(b))
		}

		addr, _, err = a.Alloc(8, 8)
		if err != nil {
			t.Fatal(err)
		}

		if addr != 0x1008 {
			t.Errorf("aligned addr %#x != 0x1008", addr)
		}
	})

	t.Run("alloc full", func(t *testing.T) {
		a := dma.NewArena(0, make([]byte, 8))
		if _, _, err := a.Alloc(16, 1); !errors.Is(err, dma.ErrArenaFull) {
			t.Errorf("err %v is not ErrArenaFull", err)
		}
	})

	t.Run("table maps onto arena bytes", func(t *testing.T) {
		a := dma.NewArena(0x8000, make([]byte, 0x100))

		addr, table, err := a.AllocTable(4)
		if err != nil {
			t.Fatal(err)
		}

		if len(table) != 4 {
			t.Fatalf("table len %d != 4", len(table))
		}

		table[0] = dma.Desc(0xCAFE0000, 0x200)

		raw := a.At(addr, 8)
		if raw == nil {
			t.Fatal("table bytes are not inside the arena")
		}

		var zero [8]byte
		if [8]byte(raw) == zero {
			t.Error("writing the table did not reach the arena bytes")
		}
	})

	t.Run("at bounds", func(t *testing.T) {
		a := dma.NewArena(0x1000, make([]byte, 0x10))

		if a.At(0xFFF, 1) != nil {
			t.Error("below the base is not nil")
		}

		if a.At(0x1008, 9) != nil {
			t.Error("past the end is not nil")
		}

		if b := a.At(0x1008, 8); len(b) != 8 {
			t.Errorf("len %d != 8", len(b))
		}
	})
}
