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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"capcore.dev/capcore/capctl/cmd/util"
	"capcore.dev/capcore/capctl/config"
	"capcore.dev/capcore/pkg/tstack"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the trusted stack layout used by entry and exit code"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-format=text|yaml|asm] - prints trusted stack field offsets.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "text", "output format: text, yaml or asm.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := writeLayout(os.Stdout, newLayoutInfo(conf.TrustedStackFrames), l.format); err != nil {
		return util.Errorf("layout: %v", err)
	}
	return subcommands.ExitSuccess
}

// offset is one named field offset.
type offset struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset"`
}

// layoutInfo describes the in-memory trusted stack layout.
type layoutInfo struct {
	Registers        []offset `yaml:"registers"`
	HazardPointers   uint64   `yaml:"hazard_pointers"`
	MStatus          uint64   `yaml:"mstatus"`
	MCause           uint64   `yaml:"mcause"`
	SavedContextSize uint64   `yaml:"saved_context_size"`
	FrameSize        uint64   `yaml:"frame_size"`
	Frames           int      `yaml:"frames"`
	StackSize        uint64   `yaml:"trusted_stack_size"`
}

func newLayoutInfo(frames int) layoutInfo {
	info := layoutInfo{
		HazardPointers:   uint64(tstack.HazardPointersOffset),
		MStatus:          uint64(tstack.MStatusOffset),
		MCause:           uint64(tstack.MCauseOffset),
		SavedContextSize: uint64(tstack.SavedContextSize),
		FrameSize:        uint64(tstack.FrameSize),
		Frames:           frames + 1,
	}
	for r := tstack.RegisterNumber(0); int(r) < tstack.NumRegisters; r++ {
		info.Registers = append(info.Registers, offset{Name: r.String(), Offset: uint64(tstack.RegisterOffset(r))})
	}
	info.StackSize = info.SavedContextSize + uint64(info.Frames)*info.FrameSize
	return info
}

func writeLayout(w io.Writer, info layoutInfo, format string) error {
	switch format {
	case "text":
		for _, r := range info.Registers {
			fmt.Fprintf(w, "%-16s %#x\n", r.Name, r.Offset)
		}
		fmt.Fprintf(w, "%-16s %#x\n", "hazard_pointers", info.HazardPointers)
		fmt.Fprintf(w, "%-16s %#x\n", "mstatus", info.MStatus)
		fmt.Fprintf(w, "%-16s %#x\n", "mcause", info.MCause)
		fmt.Fprintf(w, "context size %d, frame size %d, %d frames, %d bytes\n", info.SavedContextSize, info.FrameSize, info.Frames, info.StackSize)
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(info); err != nil {
			return err
		}
		return enc.Close()
	case "asm":
		for _, r := range info.Registers {
			fmt.Fprintf(w, "#define TSTACK_OFFSET_%s %d\n", strings.ToUpper(r.Name), r.Offset)
		}
		fmt.Fprintf(w, "#define TSTACK_OFFSET_HAZARD_POINTERS %d\n", info.HazardPointers)
		fmt.Fprintf(w, "#define TSTACK_OFFSET_MSTATUS %d\n", info.MStatus)
		fmt.Fprintf(w, "#define TSTACK_OFFSET_MCAUSE %d\n", info.MCause)
		fmt.Fprintf(w, "#define TSTACK_FRAMES_OFFSET %d\n", info.SavedContextSize)
		fmt.Fprintf(w, "#define TSTACK_FRAME_SIZE %d\n", info.FrameSize)
		return nil
	default:
		return fmt.Errorf("invalid format %q, must be text, yaml or asm", format)
	}
}
