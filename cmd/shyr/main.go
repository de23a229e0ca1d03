// Command shyr is the hypervisor control binary: `system daemon` runs the
// engine; the vm/system subcommands talk to a running daemon over its
// control socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/shyr/internal/hv"
)

// Exit codes for the CLI surface.
const (
	exitOK        = 0
	exitUsage     = 1
	exitHypErr    = 2
	exitTransport = 3
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  shyr system daemon [cfg.yaml]
  shyr system update <image>
  shyr vm list
  shyr vm config <file.json>
  shyr vm boot <id>
  shyr vm shutdown <id>
  shyr vm migrate <id> <host:port>
  shyr vm console <id>
`)
	os.Exit(exitUsage)
}

func main() {
	socket := flag.String("socket", "/run/shyr.sock", "daemon control socket")
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch args[0] + " " + args[1] {
	case "system daemon":
		cfgPath := ""
		if len(args) > 2 {
			cfgPath = args[2]
		}
		runDaemon(logger, cfgPath)
	case "system update":
		if len(args) != 3 {
			usage()
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			fatal(exitUsage, "read image: %v", err)
		}
		bar := progressbar.DefaultBytes(int64(len(data)), "uploading image")
		_ = bar.Add(len(data))
		resp := control(*socket, &controlRequest{Op: "system-update", Blob: data})
		finish(resp)
	case "vm list":
		resp := control(*socket, &controlRequest{Op: "vm-list"})
		if resp.Code == 0 {
			var infos []struct {
				ID    uint32
				Name  string
				Type  string
				State int
				VCpus int
			}
			_ = json.Unmarshal(resp.Data, &infos)
			fmt.Printf("%-4s %-16s %-20s %-10s %s\n", "ID", "NAME", "TYPE", "STATE", "VCPUS")
			for _, i := range infos {
				fmt.Printf("%-4d %-16s %-20s %-10s %d\n", i.ID, i.Name, i.Type, stateName(i.State), i.VCpus)
			}
		}
		finish(resp)
	case "vm config":
		if len(args) != 3 {
			usage()
		}
		blob, err := os.ReadFile(args[2])
		if err != nil {
			fatal(exitUsage, "read config: %v", err)
		}
		resp := control(*socket, &controlRequest{Op: "vm-config", Blob: blob})
		if resp.Code == 0 {
			var id uint32
			_ = json.Unmarshal(resp.Data, &id)
			fmt.Printf("vm %d configured\n", id)
		}
		finish(resp)
	case "vm boot":
		resp := control(*socket, &controlRequest{Op: "vm-boot", VMID: argVMID(args)})
		finish(resp)
	case "vm shutdown":
		resp := control(*socket, &controlRequest{Op: "vm-shutdown", VMID: argVMID(args)})
		finish(resp)
	case "vm migrate":
		if len(args) != 4 {
			usage()
		}
		bar := progressbar.Default(-1, "migrating")
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-time.After(100 * time.Millisecond):
					_ = bar.Add(1)
				}
			}
		}()
		resp := control(*socket, &controlRequest{Op: "vm-migrate", VMID: argVMID(args), Target: args[3]})
		close(done)
		_ = bar.Finish()
		finish(resp)
	case "vm console":
		resp := control(*socket, &controlRequest{Op: "vm-console", VMID: argVMID(args)})
		if resp.Code == 0 {
			var transcript string
			_ = json.Unmarshal(resp.Data, &transcript)
			printTranscript(transcript)
		}
		finish(resp)
	default:
		usage()
	}
}

func runDaemon(logger *slog.Logger, cfgPath string) {
	cfg, err := LoadDaemonConfig(cfgPath)
	if err != nil {
		fatal(exitUsage, "%v", err)
	}
	d, err := NewDaemon(logger, cfg)
	if err != nil {
		fatal(exitHypErr, "%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(exitHypErr, "%v", err)
	}
}

// printTranscript writes the console history, restoring the terminal mode
// around it when stdout is a TTY.
func printTranscript(transcript string) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		state, err := term.GetState(fd)
		if err == nil {
			defer func() { _ = term.Restore(fd, state) }()
		}
	}
	fmt.Print(transcript)
	if transcript != "" && transcript[len(transcript)-1] != '\n' {
		fmt.Println()
	}
}

func argVMID(args []string) uint32 {
	if len(args) < 3 {
		usage()
	}
	id, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		fatal(exitUsage, "vm id %q: %v", args[2], err)
	}
	return uint32(id)
}

func stateName(s int) string {
	names := []string{"inactive", "configured", "booting", "running", "suspended", "migrating", "terminated"}
	if s >= 0 && s < len(names) {
		return names[s]
	}
	return "unknown"
}

func control(socket string, req *controlRequest) *controlResponse {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		fatal(exitTransport, "connect %s: %v", socket, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		fatal(exitTransport, "send: %v", err)
	}
	var resp controlResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		fatal(exitTransport, "recv: %v", err)
	}
	return &resp
}

func finish(resp *controlResponse) {
	if resp.Code == 0 {
		os.Exit(exitOK)
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", resp.Msg)
	if errors.Is(hv.CodeError(resp.Code), hv.ErrTransport) {
		os.Exit(exitTransport)
	}
	os.Exit(exitHypErr)
}

func fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
