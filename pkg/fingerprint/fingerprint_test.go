package fingerprint_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferfabric/fabric/pkg/fingerprint"
)

var _ = Describe("Of", func() {
	It("is stable for identical requests", func() {
		temp := 0.7
		r := fingerprint.Request{ModelID: "llama-3-8b", Prompt: "hello", Temperature: &temp}

		Expect(fingerprint.Of(r)).To(Equal(fingerprint.Of(r)))
	})

	It("treats an explicitly-unset optional field the same as a field never populated", func() {
		a := fingerprint.Request{ModelID: "m", Prompt: "p"}
		b := fingerprint.Request{ModelID: "m", Prompt: "p", Temperature: nil}

		Expect(fingerprint.Of(a)).To(Equal(fingerprint.Of(b)))
	})

	It("differs when an optional field is set vs. omitted", func() {
		temp := 0.7
		withTemp := fingerprint.Request{ModelID: "m", Prompt: "p", Temperature: &temp}
		without := fingerprint.Request{ModelID: "m", Prompt: "p"}

		Expect(fingerprint.Of(withTemp)).NotTo(Equal(fingerprint.Of(without)))
	})

	It("differs for different prompts", func() {
		a := fingerprint.Request{ModelID: "m", Prompt: "hello"}
		b := fingerprint.Request{ModelID: "m", Prompt: "goodbye"}

		Expect(fingerprint.Of(a)).NotTo(Equal(fingerprint.Of(b)))
	})

	It("normalizes float precision noise", func() {
		t1 := 0.7
		t2 := 0.7000000001
		a := fingerprint.Request{ModelID: "m", Prompt: "p", Temperature: &t1}
		b := fingerprint.Request{ModelID: "m", Prompt: "p", Temperature: &t2}

		Expect(fingerprint.Of(a)).To(Equal(fingerprint.Of(b)))
	})
})
