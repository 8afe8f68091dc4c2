// Command kh940fdc emulates a Brother KH-940 floppy drive over a serial
// line, and converts between its 32 KiB RAM image and a directory of PNG
// patterns.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/kh940fdc/kh940fdc/pkg/audit"
	"github.com/kh940fdc/kh940fdc/pkg/config"
	"github.com/kh940fdc/kh940fdc/pkg/disk"
	"github.com/kh940fdc/kh940fdc/pkg/logger"
	"github.com/kh940fdc/kh940fdc/pkg/machine"
	"github.com/kh940fdc/kh940fdc/pkg/monitor"
	"github.com/kh940fdc/kh940fdc/pkg/pattern"
	"github.com/kh940fdc/kh940fdc/pkg/protocol"
	"github.com/kh940fdc/kh940fdc/pkg/rasterimg"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "emulate":
		err = runEmulate(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "-version", "--version", "version":
		fmt.Printf("kh940fdc %s (%s)\n", version, gitCommit)
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "kh940fdc:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  kh940fdc emulate [--config file] <port> <disk>
  kh940fdc export  <disk> <target-dir>
  kh940fdc import  <disk> <source-dir>`)
}

// runEmulate opens the serial port, runs the FDC engine against <disk>
// until interrupted, and persists the disk to <disk> after every
// transaction.
func runEmulate(args []string) error {
	fs := flag.NewFlagSet("emulate", flag.ExitOnError)
	configFile := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("emulate: expected <port> <disk>, got %d arguments", len(rest))
	}
	portName, diskPath := rest[0], rest[1]

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info("starting kh940fdc emulator",
		logger.String("version", version),
		logger.String("commit", gitCommit),
		logger.String("port", portName),
		logger.String("disk", diskPath))

	d, err := loadOrCreateDisk(diskPath)
	if err != nil {
		return err
	}

	port, err := openSerialPort(portName)
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", portName, err)
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	var observers multiObserver

	if cfg.Emulate.Audit.Enabled {
		auditStore, err := audit.NewStore(cfg.Emulate.Audit.Path, log.WithComponent("audit"))
		if err != nil {
			return fmt.Errorf("initializing audit store: %w", err)
		}
		defer auditStore.Close()
		observers = append(observers, auditStore)
		log.Info("audit store enabled", logger.String("path", cfg.Emulate.Audit.Path))
	}

	if cfg.Emulate.Monitor.Enabled {
		monitorServer := monitor.NewServer(cfg.Emulate.Monitor.Host, cfg.Emulate.Monitor.Port, log.WithComponent("monitor"))
		observers = append(observers, monitorServer)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitorServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("monitor server error", logger.Error(err))
			}
		}()
		log.Info("monitor server enabled",
			logger.String("host", cfg.Emulate.Monitor.Host),
			logger.Int("port", cfg.Emulate.Monitor.Port))
	}

	engine, err := protocol.NewEngine(port, d, diskPath, observers, log.WithComponent("protocol"))
	if err != nil {
		return fmt.Errorf("constructing protocol engine: %w", err)
	}

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
		cancel()
	case err := <-engineErr:
		cancel()
		wg.Wait()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("protocol engine: %w", err)
		}
		return nil
	}

	wg.Wait()
	log.Info("kh940fdc emulator stopped")
	return nil
}

// runExport decodes <disk> and writes one <number>.png per pattern into
// <target-dir>.
func runExport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("export: expected <disk> <target-dir>, got %d arguments", len(args))
	}
	diskPath, targetDir := args[0], args[1]

	d, err := disk.Load(diskPath)
	if err != nil {
		return fmt.Errorf("loading disk %s: %w", diskPath, err)
	}

	ms, err := machine.FromMemoryDump(d.FlattenData()[:machine.ImageLen])
	if err != nil {
		return fmt.Errorf("decoding machine state: %w", err)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating target directory %s: %w", targetDir, err)
	}

	for _, p := range ms.Patterns() {
		path := filepath.Join(targetDir, fmt.Sprintf("%d.png", p.Number))
		stitched := func(x, y int) bool { return p.Rows[y][x] }
		if err := rasterimg.Encode(path, int(p.Width), int(p.Height), stitched); err != nil {
			return fmt.Errorf("writing pattern %d to %s: %w", p.Number, path, err)
		}
	}

	fmt.Printf("exported %d patterns to %s\n", len(ms.Patterns()), targetDir)
	return nil
}

// runImport decodes <disk>, overlays every <number>.png found in
// <source-dir>, and writes the result back to <disk>.
func runImport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("import: expected <disk> <source-dir>, got %d arguments", len(args))
	}
	diskPath, sourceDir := args[0], args[1]

	d, err := disk.Load(diskPath)
	if err != nil {
		return fmt.Errorf("loading disk %s: %w", diskPath, err)
	}

	ms, err := machine.FromMemoryDump(d.FlattenData()[:machine.ImageLen])
	if err != nil {
		return fmt.Errorf("decoding machine state: %w", err)
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("reading source directory %s: %w", sourceDir, err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".png" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		number, err := strconv.ParseUint(stem, 10, 16)
		if err != nil {
			continue
		}

		path := filepath.Join(sourceDir, entry.Name())
		width, height, stitched, err := rasterimg.Decode(path)
		if err != nil {
			return fmt.Errorf("reading pattern image %s: %w", path, err)
		}

		p := &pattern.Pattern{
			Number: uint16(number),
			Width:  uint16(width),
			Height: uint16(height),
			Rows:   rowsFromPredicate(width, height, stitched),
			Memo:   make([]byte, pattern.MemoSize(uint16(height))),
		}
		ms.AddPattern(p)
		imported++
	}

	data, err := ms.Serialize()
	if err != nil {
		return fmt.Errorf("serializing machine state: %w", err)
	}
	d.SetFlattenedData(data)

	if err := d.Save(diskPath); err != nil {
		return fmt.Errorf("saving disk %s: %w", diskPath, err)
	}

	fmt.Printf("imported %d patterns into %s\n", imported, diskPath)
	return nil
}

func rowsFromPredicate(width, height int, stitched func(x, y int) bool) [][]bool {
	rows := make([][]bool, height)
	for y := 0; y < height; y++ {
		row := make([]bool, width)
		for x := 0; x < width; x++ {
			row[x] = stitched(x, y)
		}
		rows[y] = row
	}
	return rows
}

func loadOrCreateDisk(path string) (*disk.Disk, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d := disk.New()
		if err := d.Save(path); err != nil {
			return nil, fmt.Errorf("creating new disk image at %s: %w", path, err)
		}
		return d, nil
	}
	return disk.Load(path)
}

// openSerialPort configures the wire's fixed 8-N-1, 9600 baud, RTS-asserted
// transport. Geometry and copy-protection are never touched here; only
// the byte stream matters (see pkg/protocol's design notes).
func openSerialPort(name string) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			RTS: true,
		},
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(time.Hour); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// multiObserver fans a single transaction event out to every configured
// observer (audit, monitor).
type multiObserver []protocol.TransactionObserver

func (m multiObserver) ObserveTransaction(ev protocol.TransactionEvent) {
	for _, o := range m {
		o.ObserveTransaction(ev)
	}
}
