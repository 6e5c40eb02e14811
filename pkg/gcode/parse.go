// G-code line parsing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command is one parsed G-code command.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse parses a G-code line. Blank and comment-only lines return nil.
// Arguments are either a letter followed by a value ("X10.5") or
// KEY=value pairs, and keys are upper cased.
func Parse(line string) *Command {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil
	}

	cmd := &Command{Name: strings.ToUpper(fields[0]), Args: map[string]string{}, Raw: line}
	for _, f := range fields[1:] {
		if kv := strings.SplitN(f, "=", 2); len(kv) == 2 {
			if k := strings.ToUpper(strings.TrimSpace(kv[0])); k != "" {
				cmd.Args[k] = strings.TrimSpace(kv[1])
			}
			continue
		}
		cmd.Args[strings.ToUpper(f[:1])] = f[1:]
	}
	return cmd
}

// Has reports whether the argument is present.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

// Float returns a numeric argument.
func (c *Command) Float(key string) (float64, bool, error) {
	v, ok := c.Args[key]
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, errors.Errorf("%s: unable to parse %s%s", c.Name, key, v)
	}
	return f, true, nil
}
