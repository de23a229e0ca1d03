package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/net/netutil"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/hv/rv64"
	"github.com/tinyrange/shyr/internal/ivc"
	"github.com/tinyrange/shyr/internal/migrate"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/netswitch"
	"github.com/tinyrange/shyr/internal/term"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/update"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vmm"
)

// Version is the running hypervisor's semantic version, compared against
// replacement images during live-update.
const Version = "0.9.0"

// DaemonConfig is the YAML configuration for `shyr system daemon`.
type DaemonConfig struct {
	Arch      string `yaml:"arch"`       // arm64 (default) or riscv64
	SBILegacy bool   `yaml:"sbi_legacy"` // riscv64 only
	PCPUs     int    `yaml:"pcpus"`
	PoolBase  uint64 `yaml:"pool_base"`
	PoolSize  uint64 `yaml:"pool_size"`

	MVMConfig string `yaml:"mvm_config"` // path to the MVM's JSON config

	ControlSocket  string `yaml:"control_socket"`
	MigrateListen  string `yaml:"migrate_listen"`
	UplinkAddress  string `yaml:"uplink_address"`
}

func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Arch:          "arm64",
		PCPUs:         4,
		PoolBase:      0x4000_0000,
		PoolSize:      256 << 20,
		ControlSocket: "/run/shyr.sock",
		UplinkAddress: "10.42.0.1",
	}
}

// Daemon is the running hypervisor engine plus its control surface.
type Daemon struct {
	log *slog.Logger
	cfg DaemonConfig

	arch    hv.Arch
	set     *vcpu.Set
	pool    *mm.PagePool
	mgr     *vmm.Manager
	disp    *trap.Dispatcher
	migrate *migrate.Engine
	update  *update.Engine
	bridge  *netswitch.Switch

	consoles map[uint32]*term.Capture

	cancel context.CancelFunc
}

// idleExec is the guest executor used when the daemon has no hardware
// virtualization backend attached: every vCPU behaves as an idle guest
// waiting for interrupts.
type idleExec struct{}

func (idleExec) Run(v *vcpu.VCpu) (hv.Exit, error) {
	time.Sleep(time.Millisecond)
	return hv.Exit{Kind: hv.ExitWFI}, nil
}

// NewDaemon assembles the engine from its configuration.
func NewDaemon(logger *slog.Logger, cfg DaemonConfig) (*Daemon, error) {
	d := &Daemon{log: logger, cfg: cfg, consoles: make(map[uint32]*term.Capture)}

	d.set = vcpu.NewSet(cfg.PCPUs)
	switch cfg.Arch {
	case "", "arm64":
		d.arch = aarch64.New(cfg.PCPUs, d.set.Deliver)
	case "riscv64":
		var opts []rv64.Option
		if cfg.SBILegacy {
			opts = append(opts, rv64.WithLegacySBI())
		}
		d.arch = rv64.New(cfg.PCPUs, d.set.Deliver, opts...)
	default:
		return nil, fmt.Errorf("daemon: arch %q: %w", cfg.Arch, hv.ErrUnsupported)
	}
	d.set.AttachArch(d.arch)

	pool, err := mm.NewPool(cfg.PoolBase, cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	d.pool = pool

	mgr, err := vmm.NewManager(logger, d.arch, pool, d.set)
	if err != nil {
		return nil, err
	}
	d.mgr = mgr

	d.disp = trap.NewDispatcher(logger)
	d.disp.Resolve = mgr.Resolve
	d.disp.RouteIRQ = mgr.RouteIRQ
	d.disp.InjectIRQ = mgr.InjectIRQ

	d.migrate = migrate.NewEngine(logger, mgr)
	d.update = update.NewEngine(logger, mgr, d.arch, d.set, Version)
	d.update.Transfer = d.transferToReplacement

	hooks := vmm.Hooks{
		MigrateStart: d.migrateStart,
		MigrateAbort: func(vmid uint32) error { return fmt.Errorf("daemon: abort: %w", hv.ErrUnsupported) },
		UpdateLoad:   d.update.Load,
		UpdateApply:  d.update.Apply,
	}
	if err := mgr.RegisterHypercalls(d.disp, hooks); err != nil {
		return nil, err
	}
	if err := mgr.RegisterSysRegs(d.disp); err != nil {
		return nil, err
	}
	if err := ivc.New(logger, mgr, d.arch).RegisterHypercalls(d.disp); err != nil {
		return nil, err
	}

	d.bridge = netswitch.New(logger)
	if cfg.UplinkAddress != "" {
		uplink, err := netswitch.NewUplink(net.ParseIP(cfg.UplinkAddress), 24)
		if err != nil {
			return nil, err
		}
		d.bridge.SetUplink(uplink)
		if conn, err := uplink.ListenUDP(53); err == nil {
			dns := netswitch.NewDNSServer(logger, d.lookupVM, conn)
			dns.Start()
		}
	}
	return d, nil
}

// lookupVM resolves "<vm-name>." to a deterministic guest address.
func (d *Daemon) lookupVM(name string) (net.IP, bool) {
	for _, info := range d.mgr.List() {
		if name == info.Name+"." {
			return net.IPv4(10, 42, 0, byte(2+info.ID)), true
		}
	}
	return nil, false
}

// transferToReplacement is the in-process live-update transfer: state is
// re-adopted by a fresh manager wired to the same pool and pCPU set.
func (d *Daemon) transferToReplacement(state []byte) error {
	mgr, err := vmm.NewManager(d.log, d.arch, d.pool, d.set)
	if err != nil {
		return err
	}
	if _, err := update.Restore(d.log, mgr, state); err != nil {
		return err
	}
	d.mgr = mgr
	d.disp.Resolve = mgr.Resolve
	d.disp.RouteIRQ = mgr.RouteIRQ
	d.disp.InjectIRQ = mgr.InjectIRQ
	return nil
}

// migrateStart services the migration hypercall. The peer word packs an
// IPv4 address in bits 47:16 and the TCP port in the low 16 bits.
func (d *Daemon) migrateStart(vmid uint32, peer uint64) error {
	ip := net.IPv4(byte(peer>>40), byte(peer>>32), byte(peer>>24), byte(peer>>16))
	target := fmt.Sprintf("%s:%d", ip, uint16(peer))
	conn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		return fmt.Errorf("daemon: dial %s: %w", target, hv.ErrTransport)
	}
	defer conn.Close()
	return d.migrate.MigrateTo(vmid, conn)
}

// Run boots the MVM and serves the control surface until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if d.cfg.MVMConfig != "" {
		blob, err := os.ReadFile(d.cfg.MVMConfig)
		if err != nil {
			return fmt.Errorf("daemon: mvm config: %w", err)
		}
		cfg, err := vmm.ParseVMConfig(blob)
		if err != nil {
			return err
		}
		vm, err := d.mgr.Create(cfg)
		if err != nil {
			return err
		}
		d.attachConsole(vm)
		if err := d.mgr.Boot(vm.ID()); err != nil {
			d.log.Warn("daemon: mvm boot deferred", "err", err)
		}
	}

	// One scheduling worker per pCPU.
	for i := 0; i < d.set.Count(); i++ {
		p := d.set.Pcpu(i)
		go func() {
			_ = p.RunLoop(ctx, vcpu.RunLoopConfig{
				Exec:    idleExec{},
				Sink:    d.disp,
				Barrier: d.update.Barrier,
				Log:     d.log,
			})
		}()
	}

	if d.cfg.MigrateListen != "" {
		go d.serveIncoming(ctx)
	}
	return d.serveControl(ctx)
}

// attachConsole binds the VM's first virtio-console to a capture endpoint.
func (d *Daemon) attachConsole(vm *vmm.Vm) {
	if len(vm.Consoles()) == 0 {
		return
	}
	cap := term.NewCapture(80, 40)
	vm.Consoles()[0].SetSink(cap)
	d.consoles[vm.ID()] = cap
}

// serveIncoming accepts migration streams from peer hypervisors. The
// listener is capped to one connection at a time: a further incoming
// migration waits until the current connection closes.
func (d *Daemon) serveIncoming(ctx context.Context) {
	l, err := net.Listen("tcp", d.cfg.MigrateListen)
	if err != nil {
		d.log.Error("daemon: migrate listen", "err", err)
		return
	}
	l = netutil.LimitListener(l, 1)
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		id, err := d.migrate.Incoming(conn)
		if err != nil {
			d.log.Warn("daemon: incoming migration failed", "err", err)
		} else {
			d.log.Info("daemon: incoming migration complete", "vm", id)
			if vm, err := d.mgr.Get(id); err == nil {
				d.attachConsole(vm)
			}
		}
		_ = conn.Close()
	}
}

// controlRequest is one CLI command over the control socket.
type controlRequest struct {
	Op     string          `json:"op"`
	VMID   uint32          `json:"vmid,omitempty"`
	Target string          `json:"target,omitempty"`
	Blob   []byte          `json:"blob,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// controlResponse mirrors the hypercall return convention: zero success,
// negative hypervisor error.
type controlResponse struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (d *Daemon) serveControl(ctx context.Context) error {
	_ = os.Remove(d.cfg.ControlSocket)
	l, err := net.Listen("unix", d.cfg.ControlSocket)
	if err != nil {
		return fmt.Errorf("daemon: control socket: %w", err)
	}
	defer os.Remove(d.cfg.ControlSocket)
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	d.log.Info("daemon: ready", "socket", d.cfg.ControlSocket, "pcpus", d.set.Count(),
		"arch", string(d.arch.Architecture()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.handleControl(conn)
	}
}

func (d *Daemon) handleControl(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	var req controlRequest
	if err := dec.Decode(&req); err != nil {
		_ = enc.Encode(controlResponse{Code: -1, Msg: "bad request"})
		return
	}
	resp := d.dispatchControl(&req)
	_ = enc.Encode(resp)
}

func (d *Daemon) dispatchControl(req *controlRequest) controlResponse {
	fail := func(err error) controlResponse {
		return controlResponse{Code: hv.ReturnCode(err), Msg: err.Error()}
	}

	switch req.Op {
	case "vm-list":
		data, err := json.Marshal(d.mgr.List())
		if err != nil {
			return fail(err)
		}
		return controlResponse{Data: data}
	case "vm-config":
		cfg, err := vmm.ParseVMConfig(req.Blob)
		if err != nil {
			return fail(err)
		}
		vm, err := d.mgr.Create(cfg)
		if err != nil {
			return fail(err)
		}
		d.attachConsole(vm)
		data, _ := json.Marshal(vm.ID())
		return controlResponse{Data: data}
	case "vm-boot":
		if err := d.mgr.Boot(req.VMID); err != nil {
			return fail(err)
		}
		return controlResponse{}
	case "vm-shutdown":
		if err := d.mgr.Shutdown(req.VMID); err != nil {
			return fail(err)
		}
		return controlResponse{}
	case "vm-migrate":
		conn, err := net.DialTimeout("tcp", req.Target, 10*time.Second)
		if err != nil {
			return controlResponse{Code: hv.ReturnCode(hv.ErrTransport), Msg: err.Error()}
		}
		defer conn.Close()
		if err := d.migrate.MigrateTo(req.VMID, conn); err != nil {
			return fail(err)
		}
		return controlResponse{}
	case "vm-console":
		cap, ok := d.consoles[req.VMID]
		if !ok {
			return fail(fmt.Errorf("daemon: vm %d console: %w", req.VMID, hv.ErrNotFound))
		}
		data, _ := json.Marshal(cap.Transcript())
		return controlResponse{Data: data}
	case "image-upload":
		var name string
		if err := json.Unmarshal(req.Raw, &name); err != nil {
			return fail(fmt.Errorf("daemon: image name: %w", hv.ErrInvalidArgument))
		}
		d.mgr.UploadImage(name, req.Blob)
		return controlResponse{}
	case "system-update":
		if err := d.update.Load(req.Blob); err != nil {
			return fail(err)
		}
		if err := d.update.Apply(); err != nil {
			return fail(err)
		}
		return controlResponse{}
	}
	return controlResponse{Code: -1, Msg: fmt.Sprintf("unknown op %q", req.Op)}
}

// LoadDaemonConfig reads the YAML daemon configuration.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("daemon: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("daemon: parse config: %w", err)
	}
	return cfg, nil
}
