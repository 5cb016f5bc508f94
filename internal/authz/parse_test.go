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

package authz_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/fleet-ca/internal/authz"
)

const sampleRules = `
# fleet operators
[cert]
allow ops.example.com   # break-glass host
allow 127.0.0.1, ::1

[cert.generate]
ALLOW *.provision.example.com, 10.20.0.0/16
deny 10.20.5.5

[cert.status]
allow *
`

var _ = Describe("Parse", func() {
	It("reads namespaces, comments and comma-separated patterns", func() {
		e, err := authz.Parse(strings.NewReader(sampleRules))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Namespaces()).To(Equal([]string{"cert", "cert.generate", "cert.status"}))
		Expect(e.Rules("cert")).To(HaveLen(3))

		gen := e.Rules("cert.generate")
		Expect(gen).To(HaveLen(3))
		Expect(gen[0].Verb).To(Equal(authz.Deny))
		Expect(gen[0].Pattern).To(Equal("10.20.5.5"))
	})

	DescribeTable("decisions from a parsed file",
		func(namespace, host, ip string, want bool) {
			e, err := authz.Parse(strings.NewReader(sampleRules))
			Expect(err).NotTo(HaveOccurred())
			Expect(e.IsAllowed(namespace, host, ip)).To(Equal(want))
		},
		Entry("operator may sign", "cert.sign", "ops.example.com", "192.0.2.1", true),
		Entry("loopback may clean", "cert.clean", "", "127.0.0.1", true),
		Entry("node may not sign", "cert.sign", "node.example.com", "192.0.2.9", false),
		Entry("provisioner may generate", "cert.generate", "pxe.provision.example.com", "192.0.2.9", true),
		Entry("provisioning network may generate", "cert.generate", "", "10.20.1.1", true),
		Entry("blocked address may not generate", "cert.generate", "pxe.provision.example.com", "10.20.5.5", false),
		Entry("operator falls out of cert.generate", "cert.generate", "ops.example.com", "192.0.2.1", false),
		Entry("anyone may read status", "cert.status", "node.example.com", "192.0.2.9", true),
		Entry("status update falls back to cert.status", "cert.status.update", "node.example.com", "", true),
	)

	DescribeTable("reports the offending line",
		func(input string, line int, msg string) {
			_, err := authz.Parse(strings.NewReader(input))
			var pe *authz.ParseError
			Expect(errors.As(err, &pe)).To(BeTrue())
			Expect(pe.Line).To(Equal(line))
			Expect(pe.Msg).To(ContainSubstring(msg))
			Expect(pe.Error()).To(HavePrefix("line "))
		},
		Entry("rule before any section", "allow *\n", 1, "outside"),
		Entry("unknown verb", "[cert]\nallow *\npermit node.example.com\n", 3, "unknown verb"),
		Entry("verb without pattern", "# c\n[cert]\ndeny\n", 3, "without a pattern"),
		Entry("verb with only commas", "[cert]\nallow , ,\n", 2, "without a pattern"),
		Entry("wildcard inside a name", "[cert]\n\nallow www.*.example.com\n", 3, "leftmost"),
		Entry("bad CIDR", "[cert]\nallow 10.0.0.0/40\n", 2, "CIDR"),
		Entry("unterminated header", "[cert\n", 1, "unterminated"),
		Entry("bad namespace", "[cert..sign]\n", 1, "bad namespace"),
		Entry("empty namespace", "[ ]\n", 1, "bad namespace"),
	)

	It("accepts an empty file as deny-all", func() {
		e, err := authz.Parse(strings.NewReader("# nothing here\n\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Namespaces()).To(BeEmpty())
		Expect(e.IsAllowed("cert.sign", "ops.example.com", "127.0.0.1")).To(BeFalse())
	})
})

var _ = Describe("ParseFile", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "fleet-ca-authz")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
	})

	It("loads a rule file", func() {
		path := filepath.Join(dir, "auth.conf")
		Expect(os.WriteFile(path, []byte(sampleRules), 0o644)).To(Succeed())
		e, err := authz.ParseFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.IsAllowed("cert.sign", "ops.example.com", "")).To(BeTrue())
	})

	It("names the file in parse errors", func() {
		path := filepath.Join(dir, "auth.conf")
		Expect(os.WriteFile(path, []byte("[cert]\nmaybe *\n"), 0o644)).To(Succeed())
		_, err := authz.ParseFile(path)
		Expect(err).To(MatchError(HavePrefix(path + ":2: ")))
	})

	It("fails for a missing file", func() {
		_, err := authz.ParseFile(filepath.Join(dir, "absent.conf"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})
})

var _ = Describe("DefaultRules", func() {
	It("allows the named administrators and loopback", func() {
		e := authz.DefaultRules([]string{"admin.example.com", " ", "Ops.Example.com"})
		Expect(e.IsAllowed("cert.sign", "admin.example.com", "192.0.2.1")).To(BeTrue())
		Expect(e.IsAllowed("cert.clean", "ops.example.com", "192.0.2.1")).To(BeTrue())
		Expect(e.IsAllowed("cert.generate", "", "127.0.0.1")).To(BeTrue())
		Expect(e.IsAllowed("cert.list", "", "::1")).To(BeTrue())
		Expect(e.IsAllowed("cert.sign", "node.example.com", "192.0.2.9")).To(BeFalse())
	})

	It("skips names that are not valid patterns", func() {
		e := authz.DefaultRules([]string{"bad*name", "admin.example.com"})
		Expect(e.Rules("cert")).To(HaveLen(3))
	})

	It("keeps loopback access with no administrators and leaves the input alone", func() {
		admins := make([]string, 1, 4)
		admins[0] = "admin.example.com"
		e := authz.DefaultRules(admins)
		Expect(e.Rules("cert")).To(HaveLen(3))
		Expect(admins).To(Equal([]string{"admin.example.com"}))
		Expect(admins[:2][1]).To(BeEmpty())

		e = authz.DefaultRules(nil)
		Expect(e.Rules("cert")).To(HaveLen(2))
		Expect(e.IsAllowed("cert.sign", "", "127.0.0.1")).To(BeTrue())
		Expect(e.IsAllowed("cert.sign", "", "::1")).To(BeTrue())
		Expect(e.IsAllowed("cert.sign", "", "192.0.2.1")).To(BeFalse())
	})
})
