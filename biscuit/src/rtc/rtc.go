// Package rtc models the CMOS real-time clock: reading wall-clock date and
// time out of its battery-backed registers, and correlating that reading
// against a monotonic tick count so elapsed time can be measured without
// re-reading the chip (each read takes the NMI-disabled slow path).
//
// The teacher kernel has no RTC driver of its own; this is grounded on
// original_source/kernel/src/time/rtc.rs, simplified the way klog
// simplifies stats.go: the register I/O goes through an injected Ports
// interface (the pack's equivalent of "there is no host OS to do real port
// I/O under go test", the same reasoning klog uses for its io.Writer sink)
// rather than raw `in`/`out` instructions, which Go cannot issue without
// assembly the freestanding teacher itself never needed either.
package rtc

import (
	"sync/atomic"
	"time"
)

// Ports is the two I/O ports the RTC chip is addressed through: one
// selects a register (and, with its top bit set, disables NMI delivery
// for the duration of the access), the other transfers a byte.
type Ports interface {
	Out(port uint16, data uint8)
	In(port uint16) uint8
}

const (
	addressPort uint16 = 0x0070
	dataPort    uint16 = 0x0071

	disableNMI uint8 = 1 << 7

	registerA uint8 = 0x0A
	registerB uint8 = 0x0B
	registerC uint8 = 0x0C
	registerD uint8 = 0x0D

	secondsRegister    uint8 = 0x00
	minutesRegister    uint8 = 0x02
	hoursRegister      uint8 = 0x04
	dayOfMonthRegister uint8 = 0x07
	monthRegister      uint8 = 0x08
	yearRegister       uint8 = 0x09
)

// RegisterB bits, settings the chip stores in its configuration register.
type RegisterB uint8

const (
	DaylightSaving  RegisterB = 1 << 0
	Use24HourFormat RegisterB = 1 << 1
	UseBinaryFormat RegisterB = 1 << 2
	SquareWave      RegisterB = 1 << 3
	UpdateEndedIRQ  RegisterB = 1 << 4
	AlarmIRQ        RegisterB = 1 << 5
	PeriodicIRQ     RegisterB = 1 << 6
	SetClock        RegisterB = 1 << 7
)

func (b RegisterB) contains(bit RegisterB) bool { return b&bit != 0 }

// registerAUpdateInProgress is RegisterA's only bit this package reads.
const registerAUpdateInProgress uint8 = 1 << 7

// registerCUpdateEnded is the only RegisterC bit Interrupt cares about;
// reading RegisterC also clears it (and every other pending flag), which
// is how the chip acknowledges delivery of the interrupt it just raised.
const registerCUpdateEnded uint8 = 1 << 4

// registerDValidRAMAndTime reports the backup battery still has charge,
// meaning the clock's memory (and therefore its date/time fields) held.
const registerDValidRAMAndTime uint8 = 1 << 7

// Clock drives one CMOS RTC chip through Ports and keeps the most recent
// tick/wall-clock correlation so callers can convert a tick count to wall
// time without touching the chip again.
type Clock struct {
	ports    Ports
	settings atomic.Uint32 // RegisterB the chip acknowledged, cached for format decoding
	errorNs  atomic.Int64  // prediction error of the previous correlation, nanoseconds

	point CorrelationPoint
}

// TicksPerSecond is the tick-rate CorrelationPoint's tick argument is
// assumed to advance at; periodic-interrupt-driven ticks count seconds,
// so it is 1, unlike the higher-resolution TSC tick rate the original
// correlates against on real hardware.
const TicksPerSecond = 1

// CorrelationPoint pairs a tick count with the wall-clock instant the RTC
// reported at that tick. The tick is the chip's own reading expressed in
// Unix seconds (not a CPU cycle counter), so a later instant can be
// predicted from tick deltas alone without re-reading the chip.
type CorrelationPoint struct {
	valid bool
	tick  uint64
	at    time.Time
}

// Invalid is the zero correlation point init stores before the chip has
// produced its first reading.
var Invalid = CorrelationPoint{}

// Valid reports whether p was produced by an actual chip reading.
func (p CorrelationPoint) Valid() bool { return p.valid }

// Tick returns the tick count p was recorded at.
func (p CorrelationPoint) Tick() uint64 { return p.tick }

// At returns the wall-clock instant p correlates Tick to.
func (p CorrelationPoint) At() time.Time { return p.at }

// New builds a Clock bound to ports, unconfigured until Init runs.
func New(ports Ports) *Clock { return &Clock{ports: ports} }

// Init configures the chip to raise an update-ended interrupt once a
// second, the way the original's init() does: NMI disabled for the
// duration (wiki.osdev.org/RTC#Avoiding_NMI_and_Other_Interrupts), old
// settings read, the interrupt bit ORed in, then read back to confirm the
// chip actually latched the write. Returns ok=false if the chip never
// acknowledges (a QEMU/real-hardware discrepancy the original treats as
// worth a log line, not a panic).
func (c *Clock) Init() (acknowledged RegisterB, ok bool) {
	old := RegisterB(c.read(registerB))
	newSettings := old | UpdateEndedIRQ
	c.write(registerB, uint8(newSettings))
	got := RegisterB(c.read(registerB))
	c.ports.Out(addressPort, 0) // re-enable NMI delivery (bit 7 clear)
	c.settings.Store(uint32(got))

	if got != newSettings {
		return got, false
	}

	if ts, ok := c.timestamp(); ok {
		c.point = CorrelationPoint{valid: true, tick: uint64(ts), at: time.Unix(ts, 0).UTC()}
	} else {
		c.point = Invalid
	}
	return got, true
}

// Interrupt handles the chip's update-ended interrupt: it reads the new
// date/time, stores a fresh correlation point, and records how far the
// previous point's linear prediction (tick count alone, no chip access)
// had drifted from this authoritative reading.
func (c *Clock) Interrupt() {
	status := c.read(registerC)
	if status&registerCUpdateEnded == 0 {
		return
	}
	ts, ok := c.timestamp()
	if !ok {
		return
	}
	now := time.Unix(ts, 0).UTC()
	if c.point.valid {
		predicted := c.point.at.Add(time.Duration(uint64(ts)-c.point.tick) * time.Second)
		c.errorNs.Store(int64(now.Sub(predicted)))
	}
	c.point = CorrelationPoint{valid: true, tick: uint64(ts), at: now}
}

// Point returns the most recent correlation point recorded, or
// Invalid/false if the chip has never produced a readable one.
func (c *Clock) Point() (CorrelationPoint, bool) {
	return c.point, c.point.valid
}

// Error returns how far the previous correlation point's tick-only
// prediction drifted from the chip's next authoritative reading.
func (c *Clock) Error() time.Duration {
	return time.Duration(c.errorNs.Load())
}

func (c *Clock) read(address uint8) uint8 {
	c.ports.Out(addressPort, disableNMI|address)
	return c.ports.In(dataPort)
}

func (c *Clock) write(address, data uint8) {
	c.ports.Out(addressPort, disableNMI|address)
	c.ports.Out(dataPort, data)
}

// timestamp reads a consistent date/time snapshot and converts it to a
// Unix timestamp, or ok=false if the chip's battery is dead or two
// consecutive reads never agreed.
func (c *Clock) timestamp() (int64, bool) {
	d, ok := c.readDate()
	if !ok {
		return 0, false
	}
	t, ok := d.toTime()
	if !ok {
		return 0, false
	}
	return t.Unix(), true
}

// date is the chip's raw date/time fields, still in whatever format
// (BCD or binary, 12h or 24h) RegisterB's acknowledged settings say.
type date struct {
	year, month, day    uint8
	hour, minute, second uint8
}

// readDate retries Date::read()'s protocol from the original: wait out
// any in-progress update, read all six fields, wait out update-in-progress
// again, and only trust the reading if a second attempt agrees with the
// first. Gives up after ten rounds.
func (c *Clock) readDate() (date, bool) {
	if c.read(registerD)&registerDValidRAMAndTime == 0 {
		return date{}, false
	}
	for i := 0; i < 10; i++ {
		c.spinWhileUpdating()
		first := c.readInconsistent()
		if c.read(registerA)&registerAUpdateInProgress != 0 {
			continue
		}
		c.spinWhileUpdating()
		second := c.readInconsistent()
		if c.read(registerA)&registerAUpdateInProgress != 0 {
			continue
		}
		if first == second {
			return first, true
		}
	}
	return date{}, false
}

func (c *Clock) spinWhileUpdating() {
	for c.read(registerA)&registerAUpdateInProgress != 0 {
	}
}

func (c *Clock) readInconsistent() date {
	format := RegisterB(c.settings.Load())
	d := date{
		second: c.read(secondsRegister),
		minute: c.read(minutesRegister),
		hour:   c.read(hoursRegister),
		day:    c.read(dayOfMonthRegister),
		month:  c.read(monthRegister),
		year:   c.read(yearRegister),
	}
	return date{
		second: parseValue(d.second, format),
		minute: parseValue(d.minute, format),
		hour:   parseHour(d.hour, format),
		day:    parseValue(d.day, format),
		month:  parseValue(d.month, format),
		year:   parseValue(d.year, format),
	}
}

// toTime converts d (already decoded to binary 24h fields) to a UTC
// time.Time, treating year < 70 as 2000s and year >= 70 as 1900s the way
// the original's full_year computation does.
func (d date) toTime() (time.Time, bool) {
	if (date{}) == d {
		return time.Time{}, true
	}
	fullYear := int(d.year) + 1900
	if d.year < 70 {
		fullYear = int(d.year) + 2000
	}
	t := time.Date(fullYear, time.Month(d.month), int(d.day), int(d.hour), int(d.minute), int(d.second), 0, time.UTC)
	return t, true
}

// parseValue converts x out of BCD into binary, unless format says the
// chip is already storing binary values.
func parseValue(x uint8, format RegisterB) uint8 {
	if format.contains(UseBinaryFormat) {
		return x
	}
	return (x/16)*10 + x%16
}

// parseHour additionally accounts for 12-hour format's PM bit, which
// shares the high bit of the raw byte with nothing in 24-hour format.
func parseHour(hour uint8, format RegisterB) uint8 {
	h := hour
	isPM := false
	if !format.contains(Use24HourFormat) {
		isPM = h&0x80 != 0
		h &^= 0x80
	}
	if !format.contains(UseBinaryFormat) {
		h = (h/16)*10 + h%16
	}
	if !format.contains(Use24HourFormat) {
		if h == 12 {
			if !isPM {
				h = 0
			}
		} else if isPM {
			h += 12
		}
	}
	return h
}
