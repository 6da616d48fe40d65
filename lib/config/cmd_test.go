// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("stepmill config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*not defined.*`)
}

func (s *CommandSuite) TestDumpEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("stepmill config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)Stepmill:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *Listen: ":9310"\n.*`)
}

func (s *CommandSuite) TestDumpUnknownKeyIgnored(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Stepmill:
  UnknownKey: foobar
  ManagementToken: secret
`
	code := DumpCommand.RunCommand("stepmill config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Stepmill:
  UnknownKey: foobar
`
	code := CheckCommand.RunCommand("stepmill config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheckInvalidValue(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Stepmill:
  Dispatch:
    FrequencyLimitCoefficient: -2
`
	code := CheckCommand.RunCommand("stepmill config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*FrequencyLimitCoefficient.*`)
}

func (s *CommandSuite) TestCheckEmptyTokenWarns(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("stepmill config-check", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*ManagementToken is empty.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Stepmill:
  ManagementToken: secret
`
	code := CheckCommand.RunCommand("stepmill config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("stepmill config-defaults", nil, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, string(DefaultYAML))
}
