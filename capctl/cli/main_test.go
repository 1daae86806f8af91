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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"capcore.dev/capcore/capctl/config"
	"capcore.dev/capcore/pkg/log"
	"github.com/google/subcommands"
)

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{config.LogFormatText, config.LogFormatJSON, config.LogFormatK8sJSON, config.LogFormatLogrus} {
		t.Run(format, func(t *testing.T) {
			var out bytes.Buffer
			e, err := newEmitter(format, &out)
			if err != nil {
				t.Fatalf("newEmitter: %v", err)
			}
			e.Emit(0, log.Info, time.Now(), "hello %d", 7)
			if !strings.Contains(out.String(), "hello 7") {
				t.Errorf("%s emitter wrote %q", format, out.String())
			}
		})
	}
	if _, err := newEmitter("xml", &bytes.Buffer{}); err == nil {
		t.Errorf("newEmitter(xml) succeeded")
	}
}

func TestCommandNames(t *testing.T) {
	seen := make(map[string]bool)
	forEachCmd(func(cmd subcommands.Command, _ string) {
		if seen[cmd.Name()] {
			t.Errorf("command %q registered twice", cmd.Name())
		}
		seen[cmd.Name()] = true
	})
	for _, name := range []string{"selftest", "stats", "layout", "version", "help"} {
		if !seen[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}
