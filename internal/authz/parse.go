// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package authz

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
)

var loopbackCallers = []string{"127.0.0.1", "::1"}

// ParseError reports a malformed line in a rule file.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

var namespaceRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Parse reads a rule file:
//
//	# comment
//	[cert.generate]
//	allow *.ops.example.com, 10.0.0.0/8
//	deny 10.10.1.1
func Parse(r io.Reader) (*Engine, error) {
	e := New()
	namespace := ""
	lineNo := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ParseError{Line: lineNo, Msg: "unterminated namespace header"}
			}
			ns := strings.TrimSpace(line[1 : len(line)-1])
			if !namespaceRegex.MatchString(ns) {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("bad namespace %q", ns)}
			}
			namespace = ns
			continue
		}

		if namespace == "" {
			return nil, &ParseError{Line: lineNo, Msg: "rule outside a [namespace] section"}
		}

		word, rest, _ := strings.Cut(line, " ")
		verb := Verb(strings.ToLower(word))
		if verb != Allow && verb != Deny {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("unknown verb %q, expected allow or deny", word)}
		}
		patterns := strings.Split(rest, ",")
		added := 0
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			if err := e.add(namespace, verb, p); err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			added++
		}
		if added == 0 {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("%s without a pattern", verb)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseFile is Parse for a file on disk.
func ParseFile(path string) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	e, err := Parse(f)
	if pe, ok := err.(*ParseError); ok {
		pe.File = path
	}
	return e, err
}

// DefaultRules is the rule set used when no rule file is configured: the
// named administrators and loopback callers may use every cert operation.
func DefaultRules(admins []string) *Engine {
	e := New()
	for _, name := range append(slices.Clone(admins), loopbackCallers...) {
		if name = strings.TrimSpace(name); name != "" {
			if err := e.add("cert", Allow, name); err != nil {
				slog.Warn("Ignoring admin name", "name", name, "error", err)
			}
		}
	}
	return e
}
