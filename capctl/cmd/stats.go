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
	"sort"
	"strings"

	"capcore.dev/capcore/capctl/cmd/util"
	"capcore.dev/capcore/capctl/config"
	"capcore.dev/capcore/pkg/metric"
	"github.com/google/subcommands"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run kernel scenarios and print the metrics they produced"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-format=text|prometheus] [scenario...] - runs the named scenarios, or all of them, then prints metrics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	names := f.Args()
	if len(names) == 0 {
		names = scenarioNames()
	}
	// Failures are reported by the scenario lines; the metrics still count
	// them.
	if err := runScenarios(io.Discard, conf.KernelConfig(), names, false); err != nil {
		util.Infof("%v", err)
	}
	if err := writeStats(os.Stdout, s.format); err != nil {
		return util.Errorf("stats: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeStats(w io.Writer, format string) error {
	switch format {
	case "text":
		for _, s := range metric.Snapshot() {
			fmt.Fprintf(w, "%s%s %d\n", s.Name, formatFields(s.Fields), s.Value)
		}
		return nil
	case "prometheus":
		return metric.WritePrometheus(w)
	default:
		return fmt.Errorf("invalid format %q, must be text or prometheus", format)
	}
}

// formatFields renders fields as {k1=v1,k2=v2}, sorted by key.
func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + fields[k]
	}
	return "{" + strings.Join(parts, ",") + "}"
}
