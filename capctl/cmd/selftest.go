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
	"time"

	"capcore.dev/capcore/capctl/cmd/util"
	"capcore.dev/capcore/capctl/config"
	"capcore.dev/capcore/pkg/kernel"
	"capcore.dev/capcore/pkg/log"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct {
	parallel bool
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "run kernel scenarios and report whether they pass"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return fmt.Sprintf(`selftest [-parallel] [scenario...] - runs the named scenarios, or all of them.

Scenarios: %s
`, strings.Join(scenarioNames(), ", "))
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Selftest) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.parallel, "parallel", false, "run scenarios concurrently, each on its own kernel.")
}

// Execute implements subcommands.Command.Execute.
func (s *Selftest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	names := f.Args()
	if len(names) == 0 {
		names = scenarioNames()
	}
	if err := runScenarios(os.Stdout, conf.KernelConfig(), names, s.parallel); err != nil {
		return util.Errorf("selftest failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// runScenarios runs the named scenarios, writing one status line per
// scenario to w. It returns an error if any of them failed.
func runScenarios(w io.Writer, kc kernel.Config, names []string, parallel bool) error {
	for _, name := range names {
		if _, ok := scenarios[name]; !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
	}

	errs := make([]error, len(names))
	elapsed := make([]time.Duration, len(names))
	var g errgroup.Group
	if !parallel {
		g.SetLimit(1)
	}
	for i, name := range names {
		g.Go(func() error {
			start := time.Now()
			errs[i] = runScenario(kc, name)
			elapsed[i] = time.Since(start)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, name := range names {
		if errs[i] != nil {
			failed++
			log.Warningf("scenario %s failed: %v", name, errs[i])
			fmt.Fprintf(w, "FAIL\t%s\t%v\n", name, errs[i])
			continue
		}
		fmt.Fprintf(w, "ok\t%s\t%v\n", name, elapsed[i].Round(time.Microsecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(names))
	}
	return nil
}
