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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file with configuration settings. Flags given on the command line override it.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %PID%, %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", LogFormatText, "log format: text (default), json, json-k8s or logrus.")
	flagSet.Duration("log-rate-limit", time.Second, "minimum interval between two compartment fault log messages.")

	// Kernel sizing.
	flagSet.Int("threads", 16, "maximum number of threads, 0 for unlimited.")
	flagSet.Int("trusted-stack-frames", 8, "number of nested cross-compartment calls each thread may make.")
	flagSet.Uint64("stack-size", 4096, "size in bytes of each thread's stack, a multiple of 16.")
	flagSet.Uint64("heap-quota", 64<<10, "quota in bytes of the default heap allocator.")
	flagSet.Int("interrupts", 4, "number of external interrupt sources.")
	flagSet.Duration("tick", time.Millisecond, "length of one scheduler tick.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config names a file, values set in it replace flag defaults
// but not flags set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	setFromFlag := func(i int, name string) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			setFromFlag(i, name)
		}
	}

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
		}
		set := make(map[string]bool)
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		for i := 0; i < st.NumField(); i++ {
			if name, ok := st.Field(i).Tag.Lookup("flag"); ok && set[name] {
				setFromFlag(i, name)
			}
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
