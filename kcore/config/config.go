// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for kcore. Each setting has a flag and a TOML key. A configuration file
// named by --config is applied over the defaults, and flags given on the
// command line are applied over the file.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"gvisor.dev/chcore/pkg/procmgr"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// Config holds configuration that is not part of the kernel ABI.
type Config struct {
	// ConfigFile is the TOML file the configuration was read from.
	ConfigFile string `toml:"-" flag:"config"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// PhysMemMB is the size of the kernel's physical memory in MiB.
	PhysMemMB uint64 `toml:"phys_mem_mb" flag:"phys-mem-mb"`

	// InitialSlots and MaxSlots bound each capability table.
	InitialSlots uint `toml:"initial_slots" flag:"initial-slots"`
	MaxSlots     uint `toml:"max_slots" flag:"max-slots"`

	// HeapLimitMB is the default memory quota of a process in MiB. Zero
	// means unlimited.
	HeapLimitMB uint64 `toml:"heap_limit_mb" flag:"heap-limit-mb"`

	// TEE enables the cross-domain syscalls.
	TEE bool `toml:"tee" flag:"tee"`

	// CheckDeviceRange rejects device memory objects overlapping RAM.
	CheckDeviceRange bool `toml:"check_device_range" flag:"check-device-range"`

	// RingCapacity is the size of the recycler's exit message ring.
	RingCapacity uint64 `toml:"ring_capacity" flag:"ring-capacity"`

	// RecycleTimeoutMS bounds the retries of a busy process's recycling.
	RecycleTimeoutMS uint64 `toml:"recycle_timeout_ms" flag:"recycle-timeout-ms"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.PhysMemMB == 0 {
		return fmt.Errorf("phys-mem-mb must be positive")
	}
	if c.InitialSlots < 2 {
		return fmt.Errorf("initial-slots is %d, need at least 2", c.InitialSlots)
	}
	if c.MaxSlots < c.InitialSlots {
		return fmt.Errorf("max-slots %d is below initial-slots %d", c.MaxSlots, c.InitialSlots)
	}
	if c.MaxSlots > 1<<31 {
		return fmt.Errorf("max-slots %d is too large", c.MaxSlots)
	}
	if c.RingCapacity == 0 {
		return fmt.Errorf("ring-capacity must be positive")
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// KernelArgs returns the kernel arguments for c. Console output goes to
// console, and getc reads input, which may be nil.
func (c *Config) KernelArgs(console io.Writer, input io.Reader) kernel.InitKernelArgs {
	return kernel.InitKernelArgs{
		PhysMemBytes:     c.PhysMemMB << 20,
		InitialSlots:     uint32(c.InitialSlots),
		MaxSlots:         uint32(c.MaxSlots),
		DefaultHeapLimit: c.HeapLimitMB << 20,
		TEE:              c.TEE,
		CheckDeviceRange: c.CheckDeviceRange,
		Console:          console,
		Input:            input,
	}
}

// ProcmgrOptions returns the process manager options for c.
func (c *Config) ProcmgrOptions() procmgr.Options {
	return procmgr.Options{
		RingCapacity:   c.RingCapacity,
		HeapLimit:      c.HeapLimitMB << 20,
		RecycleTimeout: time.Duration(c.RecycleTimeoutMS) * time.Millisecond,
	}
}

// WriteTOML writes c in the configuration file format.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// load applies the TOML file at path over c. Unknown keys are an error.
func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config %q: %v", path, undecoded)
	}
	return nil
}
