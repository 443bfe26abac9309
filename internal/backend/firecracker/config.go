package firecracker

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3

	DefaultVCPUs            = 1
	DefaultMemMB            = 256
	DefaultMaxConcurrentVMs = 10

	// DefaultShutdownTimeout bounds each of the graceful shutdown and the
	// exit wait when a VM is torn down.
	DefaultShutdownTimeout = 3 * time.Second

	// DefaultBootTimeout bounds the wait for the guest agent to answer
	// after the VM starts.
	DefaultBootTimeout = 10 * time.Second

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	// The kernel starts it as init.
	GuestAgentPath = "/usr/local/bin/vigil-guest"

	// DefaultRootfsImage is the rootfs image used when none is configured.
	DefaultRootfsImage = "/var/lib/vigil/rootfs.ext4"
)

const (
	envKernelPath      = "VIGIL_FC_KERNEL_PATH"
	envRootfsImage     = "VIGIL_FC_ROOTFS_IMAGE"
	envBin             = "VIGIL_FC_BIN"
	envVsockPort       = "VIGIL_FC_VSOCK_PORT"
	envVCPUs           = "VIGIL_FC_VCPUS"
	envMemMB           = "VIGIL_FC_MEM_MB"
	envMaxConcurrent   = "VIGIL_FC_MAX_CONCURRENT_VMS"
	envShutdownTimeout = "VIGIL_FC_SHUTDOWN_TIMEOUT"
	envBootTimeout     = "VIGIL_FC_BOOT_TIMEOUT"
)

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	KernelPath string

	// RootfsImage is the ext4 image containing the guest agent. Each VM
	// boots from its own copy.
	RootfsImage string

	FirecrackerBin string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the first vsock context ID handed out.
	CIDBase uint32

	// VCPUs and MemMB size every microVM.
	VCPUs int
	MemMB int

	MaxConcurrentVMs int

	// ShutdownTimeout bounds VM teardown after a unit finishes or is killed.
	ShutdownTimeout time.Duration

	BootTimeout time.Duration
}

// Enabled reports whether enough is configured to boot a microVM.
func (c Config) Enabled() bool {
	return c.KernelPath != "" && c.FirecrackerBin != ""
}

// withDefaults fills zero fields with their defaults.
func (c Config) withDefaults() Config {
	if c.RootfsImage == "" {
		c.RootfsImage = DefaultRootfsImage
	}
	if c.VsockPort == 0 {
		c.VsockPort = DefaultVsockPort
	}
	if c.CIDBase < MinCID {
		c.CIDBase = MinCID
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = DefaultMemMB
	}
	if c.MaxConcurrentVMs <= 0 {
		c.MaxConcurrentVMs = DefaultMaxConcurrentVMs
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	return c
}

// LoadConfig reads Firecracker configuration from environment variables.
// Unset or malformed values keep their defaults.
func LoadConfig() Config {
	var cfg Config

	cfg.KernelPath = os.Getenv(envKernelPath)
	cfg.RootfsImage = os.Getenv(envRootfsImage)
	cfg.FirecrackerBin = os.Getenv(envBin)

	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	cfg.VCPUs = envInt(envVCPUs)
	cfg.MemMB = envInt(envMemMB)
	cfg.MaxConcurrentVMs = envInt(envMaxConcurrent)
	cfg.ShutdownTimeout = envDuration(envShutdownTimeout)
	cfg.BootTimeout = envDuration(envBootTimeout)

	return cfg.withDefaults()
}

// envInt returns the integer value of key, or zero when unset or malformed.
func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

// envDuration returns the duration value of key, or zero when unset or malformed.
func envDuration(key string) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return 0
	}
	return d
}
