// Copyright 2021 The gVisor Authors.
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
// for capctl. Each setting that can be changed from the command line or from
// a config file must be added to Config and RegisterFlags.
package config

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"capcore.dev/capcore/pkg/kernel"
	"capcore.dev/capcore/pkg/ktime"
	"capcore.dev/capcore/pkg/log"
	"github.com/mohae/deepcopy"
)

// Log formats understood by --log-format.
const (
	LogFormatText    = "text"
	LogFormatJSON    = "json"
	LogFormatK8sJSON = "json-k8s"
	LogFormatLogrus  = "logrus"
)

// Config holds configuration that is not part of the scenario being run.
//
// Fields with a "flag" tag are populated from the flag of that name. Fields
// with a "toml" tag may also be set from the config file; flags given on the
// command line take precedence over the file.
type Config struct {
	// ConfigFile is the path of an optional TOML config file.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// the variables %PID%, %TIMESTAMP% and %COMMAND%.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Threads is the maximum number of threads. Zero means unlimited.
	Threads int `flag:"threads" toml:"threads"`

	// TrustedStackFrames is the number of nested calls each thread may
	// make.
	TrustedStackFrames int `flag:"trusted-stack-frames" toml:"trusted_stack_frames"`

	// StackSize is the size in bytes of each thread's stack.
	StackSize uint64 `flag:"stack-size" toml:"stack_size"`

	// HeapQuota is the quota in bytes of the default allocator.
	HeapQuota uint64 `flag:"heap-quota" toml:"heap_quota"`

	// Interrupts is the number of external interrupt sources.
	Interrupts int `flag:"interrupts" toml:"interrupts"`

	// TickDuration is the length of one scheduler tick.
	TickDuration time.Duration `flag:"tick" toml:"tick"`

	// LogRateLimit is the minimum interval between two fault log messages.
	LogRateLimit time.Duration `flag:"log-rate-limit" toml:"log_rate_limit"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatK8sJSON, LogFormatLogrus:
	default:
		return fmt.Errorf("invalid log format %q, must be %q, %q, %q or %q", c.LogFormat, LogFormatText, LogFormatJSON, LogFormatK8sJSON, LogFormatLogrus)
	}
	if c.Threads < 0 || c.Threads > math.MaxUint16 {
		return fmt.Errorf("threads must be between 0 and %d, got %d", math.MaxUint16, c.Threads)
	}
	if c.TrustedStackFrames < 0 {
		return fmt.Errorf("trusted-stack-frames must not be negative, got %d", c.TrustedStackFrames)
	}
	if c.StackSize%16 != 0 {
		return fmt.Errorf("stack-size must be a multiple of 16, got %d", c.StackSize)
	}
	if c.Interrupts < 0 {
		return fmt.Errorf("interrupts must not be negative, got %d", c.Interrupts)
	}
	if c.TickDuration <= 0 {
		return fmt.Errorf("tick must be positive, got %v", c.TickDuration)
	}
	if c.LogRateLimit < 0 {
		return fmt.Errorf("log-rate-limit must not be negative, got %v", c.LogRateLimit)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// KernelConfig returns the kernel configuration described by c, driven by a
// real clock.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{
		Clock:              ktime.NewRealClock(c.TickDuration),
		Threads:            c.Threads,
		TrustedStackFrames: c.TrustedStackFrames,
		StackSize:          c.StackSize,
		HeapQuota:          c.HeapQuota,
		Interrupts:         c.Interrupts,
		FaultLogger:        log.BasicRateLimitedLogger(c.LogRateLimit),
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
