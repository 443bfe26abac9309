package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
	"github.com/seantiz/vigil/internal/worker"
)

// Backend constants.
const (
	// BackendName is the name reported in the backend's capabilities.
	BackendName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the unit ID for the VM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"
)

// ErrVMKilled is the error reported for a unit whose VM was killed.
var ErrVMKilled = errors.New("microvm killed")

// vmState tracks the state of an active microVM.
type vmState struct {
	machine   *fcsdk.Machine
	cid       uint32
	socketDir string // temp directory for socket files and rootfs copy
	started   bool   // true after machine.Start succeeds (guards activeVMs gauge)
	cleanOnce sync.Once
}

// Backend implements the backend.Backend interface using Firecracker microVMs.
// Each unit boots its own VM whose guest agent runs the unit and answers
// stop frames over vsock.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	activeVMs map[string]*vmState // unitID → vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewBackend creates a new Firecracker backend.
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	cfg = cfg.withDefaults()
	return &Backend{
		cfg:       cfg,
		logger:    logger,
		activeVMs: make(map[string]*vmState),
		cidNext:   cfg.CIDBase,
		cidInUse:  make(map[uint32]bool),
	}
}

// Verify checks that the kernel, rootfs image and Firecracker binary exist.
func (b *Backend) Verify() error {
	for _, p := range []string{b.cfg.KernelPath, b.cfg.RootfsImage, b.cfg.FirecrackerBin} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("firecracker backend: %w", err)
		}
	}
	return nil
}

// Start boots a microVM, connects to its guest agent and sends the unit.
// It returns once the guest has accepted the request.
func (b *Backend) Start(ctx context.Context, spec backend.UnitSpec) (backend.Execution, error) {
	if err := unit.Validate(spec.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	// The VM lives until the unit finishes or is killed, not until ctx ends.
	vmCtx := context.WithoutCancel(ctx)

	cid, err := b.allocateCID()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	socketDir, err := os.MkdirTemp("", "vigil-vm-"+spec.ID+"-")
	if err != nil {
		b.releaseCID(cid)
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(b.cfg.RootfsImage, vmRootfs); err != nil {
		b.releaseCID(cid)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(socketDir, spec.ID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, spec.ID+vsockSocketSuffix)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(b.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(b.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: spec.ID,
	}

	// The SDK wants a logrus entry; its output is discarded in favour of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		b.releaseCID(cid)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("create machine: %w", err)
	}

	state := &vmState{
		machine:   machine,
		cid:       cid,
		socketDir: socketDir,
	}
	b.mu.Lock()
	b.activeVMs[spec.ID] = state
	b.mu.Unlock()

	bootStart := time.Now()
	if err := machine.Start(vmCtx); err != nil {
		unitsTotal.WithLabelValues(statusFailed).Inc()
		b.stopAndCleanup(spec.ID, state)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()

	b.logger.Info("VM started",
		"task_id", spec.ID,
		"task", spec.Name,
		"cid", cid,
	)

	dialCtx, dialCancel := context.WithTimeout(ctx, b.cfg.BootTimeout)
	gc, err := DialGuest(dialCtx, vsockPath, b.cfg.VsockPort)
	dialCancel()
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		unitsTotal.WithLabelValues(statusFailed).Inc()
		b.stopAndCleanup(spec.ID, state)
		return nil, fmt.Errorf("connect to guest: %w", err)
	}

	ex := &execution{
		Completion: backend.NewCompletion(time.Now()),
		gc:         gc,
		machine:    machine,
		log:        b.logger.With("task_id", spec.ID),
	}

	if err := gc.SendRequest(worker.Request{ID: spec.ID, Name: spec.Name, Action: spec.Action}); err != nil {
		gc.Close()
		unitsTotal.WithLabelValues(statusFailed).Inc()
		b.stopAndCleanup(spec.ID, state)
		return nil, err
	}

	stopOnCancel := context.AfterFunc(ctx, func() { _ = ex.Stop(context.Cause(ctx)) })

	go func() {
		defer stopOnCancel()
		defer b.stopAndCleanup(spec.ID, state)
		defer gc.Close()

		runStart := time.Now()
		resp, err := gc.readMessages(func(line string) {
			ex.Log(line)
			if spec.LogWriter != nil {
				spec.LogWriter(line)
			}
		})
		vsockUnitDuration.Observe(time.Since(runStart).Seconds())
		ex.finish(resp, err)
	}()

	return ex, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		Name:                BackendName,
		SupportedActions:    backend.AllActions,
		SupportedIsolations: []string{model.IsolationMicroVM},
		Killable:            true,
		MaxConcurrency:      b.cfg.MaxConcurrentVMs,
	}
}

// Cleanup releases resources for a specific unit.
func (b *Backend) Cleanup(_ context.Context, unitID string) error {
	b.mu.Lock()
	state, exists := b.activeVMs[unitID]
	b.mu.Unlock()
	if !exists {
		return nil
	}

	b.stopAndCleanup(unitID, state)
	return nil
}

// Shutdown stops all active VMs and cleans up.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.activeVMs))
	for id := range b.activeVMs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Cleanup(ctx, id); err != nil {
			b.logger.Error("shutdown cleanup failed", "task_id", id, "error", err)
		}
	}
}

// stopAndCleanup stops a VM and cleans up all associated resources exactly once.
// It uses background contexts so cleanup completes regardless of the caller.
func (b *Backend) stopAndCleanup(unitID string, state *vmState) {
	state.cleanOnce.Do(func() {
		cleanupStart := time.Now()

		b.mu.Lock()
		delete(b.activeVMs, unitID)
		b.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
		defer cancel()

		if err := state.machine.Shutdown(shutdownCtx); err != nil {
			b.logger.Debug("graceful shutdown failed, forcing stop", "task_id", unitID, "error", err)
			if stopErr := state.machine.StopVMM(); stopErr != nil {
				b.logger.Debug("StopVMM failed", "task_id", unitID, "error", stopErr)
			}
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
		defer waitCancel()
		if err := state.machine.Wait(waitCtx); err != nil {
			b.logger.Debug("failed to wait for VM exit", "task_id", unitID, "error", err)
		}

		if state.started {
			activeVMs.Dec()
		}
		b.releaseCID(state.cid)

		if state.socketDir != "" {
			os.RemoveAll(state.socketDir)
		}

		vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
		b.logger.Debug("cleanup complete", "task_id", unitID)
	})
}

// allocateCID returns the next available vsock CID.
func (b *Backend) allocateCID() (uint32, error) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()

	// Try the next CID and scan forward if in use.
	scanRange := uint32(b.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(b.cidNext+i, MinCID)
		if !b.cidInUse[candidate] {
			b.cidInUse[candidate] = true
			b.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(b.cidInUse))
}

// releaseCID returns a CID to the pool.
func (b *Backend) releaseCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	delete(b.cidInUse, cid)
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}

// vmStopper is the part of *fcsdk.Machine an execution needs to kill its VM.
type vmStopper interface {
	StopVMM() error
}

// execution is a unit running inside a microVM.
type execution struct {
	*backend.Completion

	gc      *GuestConn
	machine vmStopper
	log     *slog.Logger
	killed  atomic.Bool

	// stopSent is the UnixNano time of the first stop frame, zero before.
	stopSent atomic.Int64
}

// SignalStop sends a timeout stop frame to the guest.
func (e *execution) SignalStop() error {
	return e.Stop(timeout.ErrTimeoutExceeded)
}

// Stop sends a stop frame carrying cause to the guest.
func (e *execution) Stop(cause error) error {
	select {
	case <-e.Done():
		return nil
	default:
	}
	e.stopSent.CompareAndSwap(0, time.Now().UnixNano())
	return e.gc.SendStop(cause)
}

// Kill stops the VMM process, which drops the guest connection.
func (e *execution) Kill() error {
	select {
	case <-e.Done():
		return nil
	default:
	}
	e.killed.Store(true)
	e.log.Warn("killing microVM")
	if err := e.machine.StopVMM(); err != nil {
		return fmt.Errorf("stop VMM: %w", err)
	}
	return nil
}

func (e *execution) finish(resp worker.Response, readErr error) {
	if sent := e.stopSent.Load(); sent != 0 {
		guestStopDuration.Observe(time.Since(time.Unix(0, sent)).Seconds())
	}
	switch {
	case readErr != nil && e.killed.Load():
		unitsTotal.WithLabelValues(statusKilled).Inc()
		e.Finish(backend.UnitResult{ExitCode: -1}, ErrVMKilled)
	case readErr != nil:
		unitsTotal.WithLabelValues(statusFailed).Inc()
		e.Finish(backend.UnitResult{ExitCode: -1}, fmt.Errorf("guest connection: %w", readErr))
	default:
		err := resp.Err()
		switch {
		case resp.TimedOut:
			unitsTotal.WithLabelValues(statusTimedOut).Inc()
		case err != nil:
			unitsTotal.WithLabelValues(statusFailed).Inc()
		default:
			unitsTotal.WithLabelValues(statusCompleted).Inc()
		}
		res := backend.UnitResult{
			ExitCode:   resp.ExitCode,
			Error:      resp.Error,
			DurationMS: resp.DurationMS,
		}
		if resp.Output != "" {
			res.Output = []byte(resp.Output)
		}
		e.Finish(res, err)
	}
}
