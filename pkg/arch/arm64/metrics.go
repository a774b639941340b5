// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arm64

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	btResultComplete = "complete"
	btResultWarning  = "warning"
	btResultError    = "error"
)

type metrics struct {
	walks      *prometheus.CounterVec
	linear     prometheus.Counter
	backtraces *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		walks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kcrash_page_table_walks_total",
			Help: "Total number of translation table walks.",
		}, []string{"geometry", "result"}),
		linear: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kcrash_linear_translations_total",
			Help: "Total number of addresses translated through the linear map without a table walk.",
		}),
		backtraces: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kcrash_backtraces_total",
			Help: "Total number of backtraces by outcome.",
		}, []string{"result"}),
	}
}
