/*
Copyright 2023 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus metrics for the CMP responder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Responder counts the messages a CMP responder processes.
type Responder struct {
	// requests counts incoming messages by PKIBody type.
	requests *prometheus.CounterVec

	// errors counts requests that resulted in a CMP ERROR response, by the
	// PKIBody type of the incoming message.
	errors *prometheus.CounterVec
}

// NewResponder registers and returns the responder metrics. A nil registerer
// yields metrics that count but are not exported, which keeps the responder
// usable in tests without a registry.
func NewResponder(reg prometheus.Registerer) *Responder {
	r := &Responder{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmp_responder_requests_total",
				Help: "Number of CMP requests processed, by PKIBody type of the request.",
			},
			[]string{"body"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmp_responder_errors_total",
				Help: "Number of CMP requests answered with an ERROR response, by PKIBody type of the request.",
			},
			[]string{"body"},
		),
	}
	if reg != nil {
		reg.MustRegister(r.requests, r.errors)
	}
	return r
}

// ObserveRequest records one processed request.
func (r *Responder) ObserveRequest(body string) {
	r.requests.WithLabelValues(body).Inc()
}

// ObserveError records one request answered with an ERROR response.
func (r *Responder) ObserveError(body string) {
	r.errors.WithLabelValues(body).Inc()
}
