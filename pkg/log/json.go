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
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %d", int(l))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts level names
// in any case and their numeric values.
func (l *Level) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for lv, name := range levelNames {
		if s == name || s == fmt.Sprint(int(lv)) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", b)
}

// withCaller prefixes the formatted message with "file:line] " of the
// caller depth frames up.
func withCaller(depth int, format string, v ...any) string {
	msg := fmt.Sprintf(format, v...)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		return fmt.Sprintf("%s:%d] %s", filepath.Base(file), line, msg)
	}
	return msg
}

// emitJSON writes one JSON object per line, with the message under msgKey.
func emitJSON(w *Writer, msgKey, msg string, level Level, timestamp time.Time) {
	b, err := json.Marshal(map[string]any{
		msgKey:  msg,
		"level": level,
		"time":  timestamp,
	})
	if err != nil {
		panic(err)
	}
	w.Write(b)
}

// JSONEmitter logs messages as JSON objects with a "msg" field.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	emitJSON(e.Writer, "msg", withCaller(depth+1, format, v...), level, timestamp)
}

// K8sJSONEmitter logs messages as JSON objects with a "log" field, which is
// what Kubernetes log collectors expect.
type K8sJSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	emitJSON(e.Writer, "log", withCaller(depth+1, format, v...), level, timestamp)
}
