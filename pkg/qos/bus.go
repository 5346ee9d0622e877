package qos

import (
	"encoding/json"
	"time"
)

// SampleSubject is where request-plane processes publish observed metric
// samples for the monitor to evaluate against SLOs.
const SampleSubject = "qos.sample"

// sampleMessage is the qos.sample wire payload.
type sampleMessage struct {
	Metric string    `json:"metric"`
	Tenant string    `json:"tenant,omitempty"`
	Model  string    `json:"model,omitempty"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// EncodeSample marshals s as the qos.sample wire payload.
func EncodeSample(s Sample) ([]byte, error) {
	return json.Marshal(sampleMessage{
		Metric: string(s.Metric), Tenant: s.Tenant, Model: s.Model, Value: s.Value, At: s.At,
	})
}

// DecodeSample unmarshals a qos.sample wire payload.
func DecodeSample(payload []byte) (Sample, error) {
	var m sampleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return Sample{}, err
	}
	return Sample{Metric: Metric(m.Metric), Tenant: m.Tenant, Model: m.Model, Value: m.Value, At: m.At}, nil
}
