package policy_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/qos/policy"
)

func writeBundle(dir string, policies []policy.Policy) {
	raw, err := json.Marshal(policies)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, "policies.json"), raw, 0o644)).To(Succeed())
}

var _ = Describe("Store", func() {
	It("matches the most specific policy over a tenant-wildcard fallback", func() {
		dir := GinkgoT().TempDir()
		writeBundle(dir, []policy.Policy{
			{Name: "default", Priority: 1, SLOs: []policy.SLO{{Name: "ttft", Metric: "ttft", Threshold: 2}}},
			{Name: "acme-gpt4", TenantID: "acme", ModelID: "gpt-4", Priority: 10,
				SLOs: []policy.SLO{{Name: "ttft", Metric: "ttft", Threshold: 1}}},
		})

		s := policy.New(logging.Noop(), policy.Config{BundleDir: dir})
		Expect(s.Load()).To(Succeed())

		p, ok, err := s.Match(context.Background(), "acme", "gpt-4")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(p.Name).To(Equal("acme-gpt4"))
	})

	It("falls back to the wildcard policy for an unmatched tenant", func() {
		dir := GinkgoT().TempDir()
		writeBundle(dir, []policy.Policy{
			{Name: "default", Priority: 1, SLOs: []policy.SLO{{Name: "ttft", Metric: "ttft", Threshold: 2}}},
			{Name: "acme-gpt4", TenantID: "acme", ModelID: "gpt-4", Priority: 10},
		})

		s := policy.New(logging.Noop(), policy.Config{BundleDir: dir})
		Expect(s.Load()).To(Succeed())

		p, ok, err := s.Match(context.Background(), "other-tenant", "llama-3")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(p.Name).To(Equal("default"))
	})

	It("reports no match when the bundle is empty", func() {
		dir := GinkgoT().TempDir()
		writeBundle(dir, nil)

		s := policy.New(logging.Noop(), policy.Config{BundleDir: dir})
		Expect(s.Load()).To(Succeed())

		_, ok, err := s.Match(context.Background(), "acme", "gpt-4")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
