// Copyright 2018 The gVisor Authors.
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
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. Level filtering
// is done by the BasicLogger in front of it, so the logrus logger is left at
// its most verbose level.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing to w through logrus, using
// logrus' JSON formatter if json is set and its text formatter otherwise.
func NewLogrusEmitter(w io.Writer, json bool) *LogrusEmitter {
	l := logrus.New()
	l.Out = w
	l.Level = logrus.TraceLevel
	if json {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	} else {
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	}
	return &LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	switch level {
	case Warning:
		entry.Warnf(format, v...)
	case Info:
		entry.Infof(format, v...)
	default:
		entry.Debugf(format, v...)
	}
}
