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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultFileName is used for log patterns that name a directory.
const DefaultFileName = "capctl.%TIMESTAMP%.%COMMAND%.log"

// FilePattern expands the variables understood in log file names:
// %PID% becomes the process ID, %TIMESTAMP% the start time and %COMMAND%
// the subcommand being run.
type FilePattern struct {
	Command string
	Start   time.Time
}

// Build returns the path named by logPattern. A pattern ending in '/' is a
// directory, and DefaultFileName is appended to it.
func (p FilePattern) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += DefaultFileName
	}
	return strings.NewReplacer(
		"%PID%", strconv.Itoa(os.Getpid()),
		"%TIMESTAMP%", p.Start.Format("20060102-150405.000000"),
		"%COMMAND%", p.Command,
	).Replace(logPattern)
}

// OpenFile opens the file named by logPattern with the given open flags,
// creating its directory if needed. An empty pattern opens nothing and
// returns nil, nil.
func OpenFile(logPattern string, flags int, p FilePattern) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	path := p.Build(logPattern)
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
