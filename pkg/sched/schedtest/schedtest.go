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

// Package schedtest contains helpers for tests that run threads.
package schedtest

import (
	"fmt"
	"time"

	"capcore.dev/capcore/pkg/sched"
	"github.com/cenkalti/backoff"
)

// Poller is the retry policy used while waiting for threads to reach a
// state. Tests may shorten it.
var Poller = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Poll calls cond until it returns true or the poller gives up.
func Poll(what string, cond func() bool) error {
	return backoff.Retry(func() error {
		if !cond() {
			return fmt.Errorf("still waiting for %s", what)
		}
		return nil
	}, Poller())
}

// WaitBlocked waits until every thread is suspended in Block.
func WaitBlocked(threads ...*sched.Thread) error {
	for _, th := range threads {
		if err := Poll(fmt.Sprintf("%v to block", th), th.Blocked); err != nil {
			return err
		}
	}
	return nil
}
