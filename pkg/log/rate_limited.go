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
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages that exceed its limiter and mentions how
// many were dropped in the next message that gets through.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// allow returns whether a message may be logged now, and a prefix noting
// messages suppressed since the last one.
func (rl *rateLimitedLogger) allow() (string, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		return "(" + strconv.FormatUint(n, 10) + " similar messages suppressed) ", true
	}
	return "", true
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.logger.IsLogging(Debug) {
		return
	}
	if prefix, ok := rl.allow(); ok {
		rl.logger.Debugf(prefix+format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if !rl.logger.IsLogging(Info) {
		return
	}
	if prefix, ok := rl.allow(); ok {
		rl.logger.Infof(prefix+format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if prefix, ok := rl.allow(); ok {
		rl.logger.Warningf(prefix+format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger at
// most once per every, plus a burst of one.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every, 1)
}

// RateLimitedLogger returns a Logger that forwards to logger at most burst
// messages back to back, refilling one every interval. Messages below the
// logger's level do not consume the budget.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
