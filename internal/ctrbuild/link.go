package ctrbuild

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Console netload service. The console listens on TCP port 17491 once its
// homebrew menu is in receive mode; a UDP datagram on the same port wakes
// the menu up on consoles that support it.
const (
	netloadPort    = 17491
	netloadWakeMsg = "3dsboot"
	netloadChunk   = 0x1000

	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// DeployOptions control where and how a bundle is sent.
type DeployOptions struct {
	Address string   // console address; empty means no target configured
	Argv0   string   // override for the executable's 0th argument
	ExeArgs []string // arguments passed to the executable on the console
	Retries int      // additional connection attempts (default 1)
	Server  bool     // stay connected and relay console output afterwards
}

// Deploy transmits the bundle to the console and optionally relays its
// console output. At most one automatic retry beyond the configured count;
// persistent failure is ErrDeviceUnreachable, reported, never looped.
func Deploy(ctx context.Context, bundlePath string, opts *DeployOptions) error {
	if opts.Address == "" {
		return fmt.Errorf("%w: no device address configured (use --address or CTRBUILD_DEFAULT_ADDRESS)", ErrDeviceUnreachable)
	}

	attempts := opts.Retries + 1
	if attempts < 2 {
		attempts = 2 // one configured try plus one automatic retry
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			debugf("retrying deploy (%d/%d)\n", attempt+1, attempts)
			time.Sleep(time.Second)
		}
		wakeConsole(opts.Address)
		if err := sendBundle(ctx, bundlePath, opts); err != nil {
			lastErr = err
			continue
		}
		if opts.Server {
			return relayConsoleOutput(ctx, opts.Address)
		}
		return nil
	}
	return fmt.Errorf("%w: %s (%v)", ErrDeviceUnreachable, opts.Address, lastErr)
}

// wakeConsole nudges the homebrew menu into receive mode. Best-effort: the
// menu may already be listening.
func wakeConsole(address string) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(address, fmt.Sprint(netloadPort)), dialTimeout)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(netloadWakeMsg))
}

func sendBundle(ctx context.Context, bundlePath string, opts *DeployOptions) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(opts.Address, fmt.Sprint(netloadPort)))
	if err != nil {
		return err
	}
	defer conn.Close()

	// Kill the connection when cancelled so the copy below unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	name := filepath.Base(bundlePath)
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeU32(conn, uint32(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, name); err != nil {
		return err
	}
	if err := writeU32(conn, uint32(st.Size())); err != nil {
		return err
	}
	ack, err := readU32(conn)
	if err != nil {
		return fmt.Errorf("no answer to transfer offer: %w", err)
	}
	if ack != 0 {
		return fmt.Errorf("console refused transfer (code %d)", ack)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Sending %s (%d bytes) to %s\n", name, st.Size(), opts.Address)

	bar := transferBar(st.Size(), name)
	_ = conn.SetDeadline(time.Time{})
	buf := make([]byte, netloadChunk)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = bar.Add(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	_ = bar.Finish()
	fmt.Println()

	// Command line for the launched executable: argv0 then the args,
	// NUL-separated, length-prefixed.
	argv0 := opts.Argv0
	if argv0 == "" {
		argv0 = "3dslink:/" + name
	}
	cmdline := strings.Join(append([]string{argv0}, opts.ExeArgs...), "\x00") + "\x00"
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeU32(conn, uint32(len(cmdline))); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, cmdline); err != nil {
		return err
	}

	ack, err = readU32(conn)
	if err != nil {
		return fmt.Errorf("transfer not acknowledged: %w", err)
	}
	if ack != 0 {
		return fmt.Errorf("console reported transfer failure (code %d)", ack)
	}
	return nil
}

// relayConsoleOutput accepts the console's output connection and forwards
// its lines until the console disconnects or we are cancelled.
func relayConsoleOutput(ctx context.Context, address string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", netloadPort))
	if err != nil {
		return fmt.Errorf("failed to listen for console output: %w", err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	colArrow.Print("-> ")
	colSuccess.Println("Waiting for console output (Ctrl+C to stop)")

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		fmt.Printf("%s: %s\n", address, scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func transferBar(size int64, name string) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return progressbar.DefaultBytesSilent(size)
	}
	return progressbar.DefaultBytes(size, name)
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
