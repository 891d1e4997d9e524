package sd

import (
	"errors"
	"testing"
	"time"
)

func TestInitializeSelectsVoltageBeforePhase0(t *testing.T) {
	// phase 0 brings up bus power, so the voltage pick must already have
	// happened when it runs
	stop := errors.New("stop after phase 0")

	var got uint32
	host := &fakeHost{
		init: func(c *Controller, phase int) error {
			if phase == 0 {
				got = c.Voltage
				return stop
			}

			return nil
		},
	}

	c, err := New(Config{
		Host:             host,
		FundamentalClock: 100_000_000,
		Voltages:         Voltage29To30 | Voltage32To33 | Voltage33To34,
		Timeout:          50 * time.Millisecond,
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := c.Initialize(); !errors.Is(err, stop) {
		t.Fatalf("err %v did not stop at phase 0", err)
	}

	if got != Voltage33To34 {
		t.Errorf("phase 0 saw voltage %#x, want %#x", got, Voltage33To34)
	}
}

func TestReadCSDClampsTranSpeed(t *testing.T) {
	// TRAN_SPEED 0x5A advertises 50 MHz, more than this host can divide to
	host := &fakeHost{
		send: func(c *Controller, cmd *Command) error {
			cmd.Response = [4]uint32{0x5A, 9 << 16, 3<<30 | 7<<15, 0}
			return nil
		},
	}

	c, err := New(Config{
		Host:             host,
		FundamentalClock: 25_000_000,
		Timeout:          50 * time.Millisecond,
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := c.readCSD(); err != nil {
		t.Fatal(err)
	}

	if c.ClockSpeed != Clock25MHz {
		t.Errorf("clock speed %d exceeds the fundamental clock", c.ClockSpeed)
	}
}

func TestHighestVoltage(t *testing.T) {
	cases := []struct {
		mask uint32
		want uint32
	}{
		{mask: Voltage32To33 | Voltage33To34, want: Voltage33To34},
		{mask: Voltage165To195, want: Voltage165To195},
		{mask: 0, want: 0},
	}

	for _, tc := range cases {
		if got := highestVoltage(tc.mask); got != tc.want {
			t.Errorf("highestVoltage(%#x) = %#x, want %#x", tc.mask, got, tc.want)
		}
	}
}
