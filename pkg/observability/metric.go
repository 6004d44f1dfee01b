// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oakleaf"

// Factory creates metrics in a subsystem scope and registers them with the
// process-wide registry.
type Factory struct {
	subsystem string
}

// NewFactory returns a Factory scoped to the given subsystem.
func NewFactory(subsystem string) *Factory {
	return &Factory{subsystem: subsystem}
}

// NewCounter creates and registers a counter vector.
func (f *Factory) NewCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: f.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewGauge creates and registers a gauge vector.
func (f *Factory) NewGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: f.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewHistogram creates and registers a histogram vector.
func (f *Factory) NewHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: f.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}
