// Package protocol implements the FDC wire engine: the two-state,
// byte-level serial dialect the knitting machine speaks to its floppy
// drive. The engine is driven through a small transport interface rather
// than a concrete serial device, so it can be exercised against an
// in-memory pipe in tests and against a real port in the CLI.
package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kh940fdc/kh940fdc/pkg/disk"
	"github.com/kh940fdc/kh940fdc/pkg/logger"
)

// SerialPort is the transport the engine reads and writes. Real ports
// (go.bug.st/serial) satisfy it, and so does a net.Pipe end given a
// SetReadTimeout method, as the tests do.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
}

// Mode is the engine's current protocol state.
type Mode int

const (
	// ModeOp is the initial state: framed binary commands behind a ZZ
	// preamble.
	ModeOp Mode = iota
	// ModeFdc is the secondary state: single-letter ASCII commands
	// terminated by \r.
	ModeFdc
)

func (m Mode) String() string {
	if m == ModeOp {
		return "op"
	}
	return "fdc"
}

// TransactionEvent describes one completed transaction, for observers.
type TransactionEvent struct {
	Command   string
	PSN       *int
	BytesIn   int
	BytesOut  int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
	// Mode is the engine's mode after the transaction completed.
	Mode Mode
}

// TransactionObserver is notified after each completed transaction. It
// must not block the engine for long; a nil observer is a valid no-op.
// Observer failures are never surfaced to the caller: notify recovers a
// panicking observer and logs it.
type TransactionObserver interface {
	ObserveTransaction(TransactionEvent)
}

const (
	sectorIDLen   = disk.SectorIDLen
	sectorDataLen = disk.SectorDataLen
	sectorCount   = disk.SectorCount

	readTimeout = time.Hour
)

// Engine runs the FDC wire protocol against a Disk, persisting it to
// diskPath after every completed transaction.
type Engine struct {
	port     SerialPort
	d        *disk.Disk
	diskPath string
	mode     Mode
	observer TransactionObserver
	log      *logger.Logger
}

// NewEngine constructs an Engine. observer and log may both be nil.
func NewEngine(port SerialPort, d *disk.Disk, diskPath string, observer TransactionObserver, log *logger.Logger) (*Engine, error) {
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return nil, ioErr("setting read timeout", err)
	}
	return &Engine{
		port:     port,
		d:        d,
		diskPath: diskPath,
		mode:     ModeOp,
		observer: observer,
		log:      log,
	}, nil
}

// Run drives the engine until ctx is cancelled or a fatal protocol error
// occurs. Cancellation is only checked between transactions — a blocking
// read in progress always runs to completion or I/O failure, matching the
// single-threaded, synchronous nature of the wire dialect.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.step(); err != nil {
			return err
		}

		if err := e.d.Save(e.diskPath); err != nil {
			return ioErr(fmt.Sprintf("saving disk to %s", e.diskPath), err)
		}
	}
}

func (e *Engine) step() error {
	switch e.mode {
	case ModeOp:
		return e.stepOp()
	case ModeFdc:
		return e.stepFdc()
	default:
		return violationf("unknown mode %v", e.mode)
	}
}

func (e *Engine) stepOp() error {
	start := time.Now()

	zz, err := readNonZero(e.port, 2)
	if err != nil {
		return ioErr("reading ZZ preamble", err)
	}
	if zz[0] != 'Z' || zz[1] != 'Z' {
		return violationf("expected ZZ preamble, got %x", zz)
	}

	return e.handleOpModeRequest(start, len(zz))
}

func (e *Engine) handleOpModeRequest(start time.Time, preambleBytes int) error {
	cmd, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading op-mode command byte", err)
	}
	datalen, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading op-mode datalen byte", err)
	}

	data := make([]byte, datalen)
	if _, err := readFull(e.port, data); err != nil {
		return ioErr("reading op-mode data", err)
	}

	// The checksum byte is read but never validated; see the package's
	// design notes on the Op-mode checksum.
	if _, err := readSingle(e.port); err != nil {
		return ioErr("reading op-mode checksum byte", err)
	}

	bytesIn := preambleBytes + 3 + len(data)

	if cmd != 0x08 {
		return violationf("unknown op-mode command 0x%02x", cmd)
	}

	e.mode = ModeFdc
	e.notify(TransactionEvent{Command: "OP", BytesIn: bytesIn, StartedAt: start, Duration: time.Since(start)})
	return nil
}

func (e *Engine) stepFdc() error {
	start := time.Now()

	cmd, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading fdc command byte", err)
	}

	switch cmd {
	case '\r':
		return nil
	case 'Z':
		return e.fdcOpModeRequest(start)
	case 'A':
		return e.fdcReadIDSection(start)
	case 'S':
		return e.fdcSearchIDSection(start)
	case 'B', 'C':
		return e.fdcWriteIDSection(start, string(cmd))
	case 'W', 'X':
		return e.fdcWriteSector(start, string(cmd))
	case 'R':
		return e.fdcReadSector(start)
	default:
		return violationf("unknown fdc command 0x%02x", cmd)
	}
}

func (e *Engine) fdcOpModeRequest(start time.Time) error {
	cmd, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading second Z byte", err)
	}
	if cmd != 'Z' {
		return violationf("got Z in fdc mode but not followed by a second Z, got 0x%02x", cmd)
	}
	e.mode = ModeOp
	return e.handleOpModeRequest(start, 2)
}

func (e *Engine) fdcReadIDSection(start time.Time) error {
	args, err := e.readFdcArgs()
	if err != nil {
		return err
	}
	psn, _, err := parsePSNLSN(args)
	if err != nil {
		return err
	}

	bytesOut, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	wait, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading wait byte", err)
	}
	if wait != '\r' {
		return violationf("expected \\r, got 0x%02x", wait)
	}

	id := e.d.Sectors[psn].ID
	n, err := e.port.Write(id[:])
	if err != nil {
		return ioErr("writing sector identifier", err)
	}
	bytesOut += n

	e.notifyPSN("A", int(psn), start, 0, bytesOut)
	return nil
}

func (e *Engine) fdcSearchIDSection(start time.Time) error {
	args, err := e.readFdcArgs()
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return violationf("search id section takes no arguments, got %d", len(args))
	}

	if _, err := e.port.Write([]byte("00000000")); err != nil {
		return ioErr("writing search-before-data reply", err)
	}

	var target [sectorIDLen]byte
	if _, err := readFull(e.port, target[:]); err != nil {
		return ioErr("reading search identifier", err)
	}

	found := -1
	for i := range e.d.Sectors {
		if e.d.Sectors[i].ID == target {
			found = i
			break
		}
	}

	var bytesOut int
	if found >= 0 {
		n, err := e.writeStatus(byte(found))
		if err != nil {
			return err
		}
		bytesOut = n
	} else {
		n, err := e.port.Write([]byte("40000000"))
		if err != nil {
			return ioErr("writing search-miss reply", err)
		}
		bytesOut = n
	}

	e.notify(TransactionEvent{Command: "S", BytesIn: sectorIDLen, BytesOut: 8 + bytesOut, StartedAt: start, Duration: time.Since(start)})
	return nil
}

func (e *Engine) fdcWriteIDSection(start time.Time, command string) error {
	args, err := e.readFdcArgs()
	if err != nil {
		return err
	}
	psn, _, err := parsePSNLSN(args)
	if err != nil {
		return err
	}

	n1, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	var id [sectorIDLen]byte
	if _, err := readFull(e.port, id[:]); err != nil {
		return ioErr("reading sector identifier", err)
	}
	e.d.Sectors[psn].ID = id

	n2, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	e.notifyPSN(command, int(psn), start, sectorIDLen, n1+n2)
	return nil
}

func (e *Engine) fdcWriteSector(start time.Time, command string) error {
	args, err := e.readFdcArgs()
	if err != nil {
		return err
	}
	psn, _, err := parsePSNLSN(args)
	if err != nil {
		return err
	}

	n1, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	var data [sectorDataLen]byte
	if _, err := readFull(e.port, data[:]); err != nil {
		return ioErr("reading sector data", err)
	}
	e.d.Sectors[psn].Data = data

	n2, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	e.notifyPSN(command, int(psn), start, sectorDataLen, n1+n2)
	return nil
}

func (e *Engine) fdcReadSector(start time.Time) error {
	args, err := e.readFdcArgs()
	if err != nil {
		return err
	}
	psn, _, err := parsePSNLSN(args)
	if err != nil {
		return err
	}

	n1, err := e.writeStatus(psn)
	if err != nil {
		return err
	}

	wait, err := readSingle(e.port)
	if err != nil {
		return ioErr("reading wait byte", err)
	}
	if wait != '\r' {
		return violationf("expected \\r, got 0x%02x", wait)
	}

	data := e.d.Sectors[psn].Data
	n2, err := e.port.Write(data[:])
	if err != nil {
		return ioErr("writing sector data", err)
	}

	e.notifyPSN("R", int(psn), start, 0, n1+n2)
	return nil
}

// writeStatus writes the canonical 8-character success reply with an
// echoed PSN.
func (e *Engine) writeStatus(psn byte) (int, error) {
	reply := fmt.Sprintf("00%02X0000", psn)
	n, err := e.port.Write([]byte(reply))
	if err != nil {
		return n, ioErr("writing status reply", err)
	}
	return n, nil
}

// readFdcArgs reads bytes up to \r, drops spaces, and splits the remainder
// on commas.
func (e *Engine) readFdcArgs() ([]string, error) {
	var buf []byte
	for {
		b, err := readSingle(e.port)
		if err != nil {
			return nil, ioErr("reading fdc arguments", err)
		}
		if b == '\r' {
			break
		}
		if b == ' ' {
			continue
		}
		buf = append(buf, b)
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var args []string
	var field []byte
	for _, b := range buf {
		if b == ',' {
			args = append(args, string(field))
			field = nil
			continue
		}
		field = append(field, b)
	}
	args = append(args, string(field))
	return args, nil
}

func parsePSNLSN(args []string) (psn, lsn byte, err error) {
	psn, lsn = 0, 1

	if len(args) > 0 && args[0] != "" {
		v, perr := strconv.ParseUint(args[0], 10, 8)
		if perr != nil {
			return 0, 0, violationf("invalid PSN argument %q: %v", args[0], perr)
		}
		if v >= sectorCount {
			return 0, 0, violationf("PSN %d out of range [0, %d)", v, sectorCount)
		}
		psn = byte(v)
	}
	if len(args) > 1 && args[1] != "" {
		v, perr := strconv.ParseUint(args[1], 10, 8)
		if perr != nil {
			return 0, 0, violationf("invalid LSN argument %q: %v", args[1], perr)
		}
		lsn = byte(v)
	}

	return psn, lsn, nil
}

func readSingle(port SerialPort) (byte, error) {
	var buf [1]byte
	if _, err := readFull(port, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// readNonZero reads exactly count non-zero bytes, silently discarding any
// zero bytes encountered (an idle line).
func readNonZero(port SerialPort, count int) ([]byte, error) {
	buf := make([]byte, 0, count)
	for len(buf) < count {
		b, err := readSingle(port)
		if err != nil {
			return nil, err
		}
		if b != 0 {
			buf = append(buf, b)
		}
	}
	return buf, nil
}

// readFull reads exactly len(buf) bytes, looping on short reads.
func readFull(port SerialPort, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := port.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) notify(ev TransactionEvent) {
	if e.observer == nil {
		return
	}
	ev.Mode = e.mode
	defer func() {
		if r := recover(); r != nil && e.log != nil {
			e.log.Error("transaction observer panicked", logger.Any("recover", r))
		}
	}()
	e.observer.ObserveTransaction(ev)
}

func (e *Engine) notifyPSN(command string, psn int, start time.Time, bytesIn, bytesOut int) {
	p := psn
	e.notify(TransactionEvent{
		Command:   command,
		PSN:       &p,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
		StartedAt: start,
		Duration:  time.Since(start),
	})
}
