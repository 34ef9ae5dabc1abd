// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr between the call and the deferred cleanup. Subcommands
// must only write to the streams passed to RunCommand.
//
//	func (s *Suite) TestDump(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		config.DumpCommand.RunCommand("dump", nil, stdin, &stdout, &stderr)
//	}
func LeakCheck(c *check.C) func() {
	var capture [2]*os.File
	for i := range capture {
		f, err := os.CreateTemp(c.MkDir(), "leak")
		c.Assert(err, check.IsNil)
		capture[i] = f
	}
	saved := [2]*os.File{os.Stdout, os.Stderr}
	os.Stdout, os.Stderr = capture[0], capture[1]
	return func() {
		os.Stdout, os.Stderr = saved[0], saved[1]
		for i, name := range []string{"stdout", "stderr"} {
			f := capture[i]
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			f.Close()
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
		}
	}
}
