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

// Package cli is the main entrypoint for capctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"capcore.dev/capcore/capctl/cmd"
	"capcore.dev/capcore/capctl/cmd/util"
	"capcore.dev/capcore/capctl/config"
	"capcore.dev/capcore/capctl/version"
	"capcore.dev/capcore/pkg/log"
	"github.com/google/subcommands"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "capctl version %s\n", version.Version())
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		// O_APPEND so that several invocations can share one file.
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.FilePattern{
			Command: subcommand,
			Start:   time.Now(),
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		util.ErrorLogger = f
	}
	e, err := newEmitter(conf.LogFormat, logFile)
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(e)

	log.Infof("***************************")
	log.Infof("capctl version %s, %s, %s, PID %d", version.Version(), runtime.Version(), runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// capctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Selftest), "")
	cb(new(cmd.Stats), "")
	cb(new(cmd.Version), "")

	const debugGroup = "debug"
	cb(new(cmd.Layout), debugGroup)
}

func newEmitter(format string, logFile io.Writer) (log.Emitter, error) {
	switch format {
	case config.LogFormatText:
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}, nil
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}, nil
	case config.LogFormatK8sJSON:
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}}, nil
	case config.LogFormatLogrus:
		return log.NewLogrusEmitter(logFile, false), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}
