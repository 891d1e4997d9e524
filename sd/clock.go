package sd

import "time"

// TimeCounter is the engine's time source. All hardware waits compute a
// deadline once from the same counter, so switching between the cached and
// direct reads (critical mode) is transparent to the rest of the engine.
type TimeCounter interface {

	// Frequency returns the counter rate in ticks per second.
	Frequency() uint64

	// Read queries the counter directly. It must be safe to call with
	// interrupts disabled.
	Read() uint64

	// ReadCached returns a recent counter value maintained by the normal
	// clock interrupt. It may lag Read.
	ReadCached() uint64
}

// SystemCounter is a TimeCounter over the Go runtime's monotonic clock.
// Read and ReadCached are the same query.
type SystemCounter struct {
	start time.Time
}

// NewSystemCounter returns a SystemCounter starting at zero ticks.
func NewSystemCounter() *SystemCounter {
	return &SystemCounter{start: time.Now()}
}

// Frequency returns nanoseconds per second.
func (sc *SystemCounter) Frequency() uint64 {
	return uint64(time.Second)
}

// Read returns elapsed nanoseconds since the counter was created.
func (sc *SystemCounter) Read() uint64 {
	return uint64(time.Since(sc.start))
}

// ReadCached is equivalent to Read.
func (sc *SystemCounter) ReadCached() uint64 {
	return sc.Read()
}

// Deadline is an absolute tick value bounding one hardware wait.
type Deadline uint64

// Now returns the current tick count from the controller's time source,
// honoring critical mode.
func (c *Controller) Now() uint64 {
	if c.flags.Load()&flagCritical != 0 {
		return c.counter.Read()
	}

	return c.counter.ReadCached()
}

// Deadline returns a deadline d from now. A zero d means the controller's
// configured timeout budget.
func (c *Controller) Deadline(d time.Duration) Deadline {
	if d == 0 {
		d = c.Timeout
	}

	ticks := uint64(d) * c.counter.Frequency() / uint64(time.Second)
	return Deadline(c.Now() + ticks)
}

// Expired reports whether the deadline has passed.
func (c *Controller) Expired(d Deadline) bool {
	return c.Now() >= uint64(d)
}

// SetCriticalMode switches the time source between the cached counter and
// direct hardware queries. Critical mode is for recovery and crash-dump
// paths where the normal clock interrupt is not running.
func (c *Controller) SetCriticalMode(critical bool) {
	if critical {
		c.setFlags(flagCritical)
	} else {
		c.clearFlags(flagCritical)
	}
}
