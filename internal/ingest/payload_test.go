package ingest_test

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/internal/topics"
)

var _ = Describe("Payload parsing", func() {
	Describe("ParseNumeric", func() {
		It("should parse plain numeric strings", func() {
			v, err := ingest.ParseNumeric([]byte("21.5"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(21.5))
		})

		It("should tolerate surrounding whitespace", func() {
			v, err := ingest.ParseNumeric([]byte("  -3.25\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(-3.25))
		})

		It("should reject non-numeric payloads", func() {
			_, err := ingest.ParseNumeric([]byte("warm"))
			Expect(errors.Is(err, ingest.ErrBadPayload)).To(BeTrue())
		})

		It("should reject non-finite values", func() {
			for _, s := range []string{"NaN", "Inf", "-Inf"} {
				_, err := ingest.ParseNumeric([]byte(s))
				Expect(errors.Is(err, ingest.ErrNotFinite)).To(BeTrue(), s)
			}
		})
	})

	Describe("ParseStatus", func() {
		It("should map on to 1 and off to 0", func() {
			v, err := ingest.ParseStatus([]byte("on"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1.0))

			v, err = ingest.ParseStatus([]byte("of"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(0.0))

			v, err = ingest.ParseStatus([]byte("OFF"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(0.0))
		})

		It("should reject unknown tokens", func() {
			_, err := ingest.ParseStatus([]byte("maybe"))
			Expect(errors.Is(err, ingest.ErrBadStatus)).To(BeTrue())
		})
	})

	Describe("ParseReading", func() {
		legacyHumidity := &topics.Descriptor{
			Legacy: true,
			Kind:   store.KindHumidity,
		}

		It("should normalize full-scale ADC on a legacy humidity topic to 100 percent", func() {
			v, err := ingest.ParseReading(legacyHumidity, []byte("4095"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(100.0))
		})

		It("should normalize mid-scale ADC proportionally", func() {
			v, err := ingest.ParseReading(legacyHumidity, []byte("2047.5"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNumerically("~", 50.0, 0.01))
		})

		It("should clamp out-of-range ADC values", func() {
			v, err := ingest.ParseReading(legacyHumidity, []byte("9999"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(100.0))
		})

		It("should not normalize a dynamic humidity channel", func() {
			desc := &topics.Descriptor{Kind: store.KindHumidity}
			v, err := ingest.ParseReading(desc, []byte("55.5"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(55.5))
		})

		It("should parse status kinds via the token table", func() {
			desc := &topics.Descriptor{Kind: store.KindStatus}
			v, err := ingest.ParseReading(desc, []byte("on"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1.0))
		})

		It("should reject payloads above the size ceiling", func() {
			desc := &topics.Descriptor{Kind: store.KindTemperature}
			big := strings.Repeat("9", ingest.MaxPayloadSize+1)
			_, err := ingest.ParseReading(desc, []byte(big))
			Expect(errors.Is(err, ingest.ErrPayloadTooLarge)).To(BeTrue())
		})
	})

	Describe("ParseEnv", func() {
		It("should decode a structured environment payload", func() {
			env, err := ingest.ParseEnv([]byte(`{"temperature":21.5,"humidity":60,"timestamp":1700000000}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(*env.Temperature).To(Equal(21.5))
			Expect(*env.Humidity).To(Equal(60.0))
			Expect(env.Airflow).To(BeNil())
			Expect(env.Timestamp).To(Equal(int64(1700000000)))
		})

		It("should reject malformed JSON", func() {
			_, err := ingest.ParseEnv([]byte(`{"temperature":`))
			Expect(errors.Is(err, ingest.ErrBadPayload)).To(BeTrue())
		})
	})

	Describe("IsEnvPayload", func() {
		It("should discriminate JSON objects from bare values", func() {
			Expect(ingest.IsEnvPayload([]byte(` {"temperature":1}`))).To(BeTrue())
			Expect(ingest.IsEnvPayload([]byte("21.5"))).To(BeFalse())
			Expect(ingest.IsEnvPayload([]byte("on"))).To(BeFalse())
		})
	})
})
