// Copyright 2019 The gVisor Authors.
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

// Package cleanup releases partially built sets of kernel objects on error
// paths.
package cleanup

import "errors"

// Cleanup collects release functions to run if construction fails. Usage:
//
//	cu := cleanup.Make(func() error { return q.Destroy(alloc) })
//	defer cu.Clean()
//	...
//	cu.Add(func() error { return mw.Delete(alloc) })
//	...
//	cu.Release() // on success, keep both objects.
//	return q, mw, nil
type Cleanup struct {
	cleaners []func() error
}

// Make creates a new Cleanup object.
func Make(f func() error) Cleanup {
	return Cleanup{cleaners: []func() error{f}}
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order and returns their
// errors joined. Every function runs even if an earlier one fails.
func (c *Cleanup) Clean() error {
	err := clean(c.cleaners)
	c.cleaners = nil
	return err
}

// Release disarms the cleanup. It returns a function that runs the
// registered functions, for callers that tear the objects down later.
func (c *Cleanup) Release() func() error {
	old := c.cleaners
	c.cleaners = nil
	return func() error { return clean(old) }
}

func clean(cleaners []func() error) error {
	var errs []error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if err := cleaners[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
