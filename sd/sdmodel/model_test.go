package sdmodel

import (
	"testing"

	"github.com/c35s/sdmmc/sd"
)

// zeroStorage reads as all zeros, so huge cards cost no memory.
type zeroStorage struct {
	size int64
}

func (zs *zeroStorage) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}

func (zs *zeroStorage) Size() (int64, error) {
	return zs.size, nil
}

func TestSynthesizedCSD(t *testing.T) {
	cases := []struct {
		name string
		size int64
		mmc  bool
	}{
		{name: "sd 64 MiB", size: 64 << 20},
		{name: "sd 1 GiB", size: 1 << 30},
		{name: "sdhc 2 GiB", size: 2 << 30},
		{name: "sdhc 32 GiB", size: 32 << 30},
		{name: "mmc 128 MiB", size: 128 << 20, mmc: true},
		{name: "mmc 1 GiB", size: 1 << 30, mmc: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(Config{
				Storage: &zeroStorage{size: tc.size},
				MMC:     tc.mmc,
			})

			if err != nil {
				t.Fatal(err)
			}

			info := sd.DecodeCSD(m.csd, m.hc, tc.mmc)

			if info.Capacity != uint64(tc.size) {
				t.Errorf("capacity %d != %d", info.Capacity, tc.size)
			}

			if info.ReadBlockLen != 512 {
				t.Errorf("read block length %d != 512", info.ReadBlockLen)
			}

			if info.WriteBlockLen != 512 {
				t.Errorf("write block length %d != 512", info.WriteBlockLen)
			}

			if info.TranSpeed != sd.Clock25MHz {
				t.Errorf("tran speed %d != %d", info.TranSpeed, sd.Clock25MHz)
			}

			// bits 7:0 of a 136-bit response are never delivered, so a
			// nonzero low byte could not survive the register window
			if m.cid[3]&0xFF != 0 {
				t.Errorf("cid low byte %#x != 0", m.cid[3]&0xFF)
			}

			if m.csd[3]&0xFF != 0 {
				t.Errorf("csd low byte %#x != 0", m.csd[3]&0xFF)
			}

			if tc.mmc {
				if info.MMCVersion != 4 {
					t.Errorf("spec version %d != 4", info.MMCVersion)
				}

				if eg := sd.DecodeCSDEraseGroup(m.csd); eg != 16 {
					t.Errorf("erase group %d != 16", eg)
				}
			}
		})
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	cases := []struct {
		name string
		size int64
	}{
		{name: "zero", size: 0},
		{name: "not a block multiple", size: 1000},
		{name: "not a capacity-step multiple", size: 256<<10 + 512},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(Config{Storage: &zeroStorage{size: tc.size}})
			if err == nil {
				t.Errorf("size %d was accepted", tc.size)
			}
		})
	}
}

func TestSwitchQueryDoesNotCommit(t *testing.T) {
	newModel := func(t *testing.T, faults Faults) *Model {
		t.Helper()

		m, err := New(Config{
			Storage: &zeroStorage{size: 16 << 20},
			Faults:  faults,
		})

		if err != nil {
			t.Fatal(err)
		}

		return m
	}

	t.Run("check", func(t *testing.T) {
		m := newModel(t, Faults{})
		m.switchCommand(0x00FFFFF1, false)

		if m.extCSD[185] != 0 {
			t.Error("a check query switched the card")
		}
	})

	t.Run("commit", func(t *testing.T) {
		m := newModel(t, Faults{})
		m.switchCommand(0x80FFFFF1, false)

		if m.extCSD[185] != 1 {
			t.Error("the commit did not switch the card")
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		m := newModel(t, Faults{NoHighSpeed: true})
		m.switchCommand(0x80FFFFF1, false)

		if m.extCSD[185] != 0 {
			t.Error("the card switched to an unsupported function")
		}
	})
}
