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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"capcore.dev/capcore/pkg/log"
	"github.com/google/subcommands"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of capctl, so they are kept short.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs error to the debug log and writes it to stderr and ErrorLogger. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If capctl is being invoked by a wrapper, it may interpret stderr
	// directly, so keep the message on one line.
	log.Warningf(format, args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

func writeError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger == nil {
		return
	}
	// Mirror the message in JSON, which is what log collectors expect.
	j := struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	_, _ = ErrorLogger.Write(b)
	_, _ = ErrorLogger.Write([]byte("\n"))
}
