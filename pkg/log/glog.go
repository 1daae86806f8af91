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
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter emits logs in the line format of github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is the space-padded process identifier.
var pid = os.Getpid()

// levelLetter is the first character of a glog line.
func levelLetter(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit implements Emitter.Emit.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
//
// where L is a single character for the level ('D', 'I' or 'W').
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(64 + len(format))
	b.WriteByte(levelLetter(level))
	fmt.Fprintf(&b, "%02d%02d %02d:%02d:%02d.%06d %7d ",
		int(timestamp.Month()), timestamp.Day(),
		timestamp.Hour(), timestamp.Minute(), timestamp.Second(),
		timestamp.Nanosecond()/int(time.Microsecond), pid)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		fmt.Fprintf(&b, "%s:%d] ", filepath.Base(file), line)
	} else {
		b.WriteString("???:0] ")
	}
	// The message is formatted by Writer; % verbs in the prefix cannot
	// occur since file names never contain them.
	b.WriteString(format)
	b.WriteByte('\n')

	g.Writer.Emit(depth+1, level, timestamp, b.String(), args...)
}
