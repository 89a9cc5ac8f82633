// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/sentry/pgalloc"
)

const metricsNamespace = "chcore"

// retryLog reports try-lock contention at most once a second.
var retryLog = log.BasicRateLimitedLogger(time.Second)

// metrics are the per-kernel counters.
type metrics struct {
	syscalls    *prometheus.CounterVec
	ipcCalls    *prometheus.CounterVec
	lockRetries *prometheus.CounterVec
	recycles    *prometheus.CounterVec
	objects     *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer, mem *pgalloc.PhysMem) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		syscalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "syscalls_total",
			Help:      "System calls entered, by name.",
		}, []string{"name"}),
		ipcCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ipc_calls_total",
			Help:      "IPC calls by outcome.",
		}, []string{"result"}),
		lockRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ipc_lock_retries_total",
			Help:      "IPC operations refused because a try-lock was held, by lock.",
		}, []string{"lock"}),
		recycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recycle_attempts_total",
			Help:      "cap_group_recycle calls by result.",
		}, []string{"result"}),
		objects: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "objects",
			Help:      "Live kernel objects, by type.",
		}, []string{"type"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "free_memory_bytes",
		Help:      "Unallocated physical memory.",
	}, func() float64 { return float64(mem.FreeBytes()) })
	return m
}

func (m *metrics) syscall(name string) { m.syscalls.WithLabelValues(name).Inc() }

func (m *metrics) ipcCall(result string) { m.ipcCalls.WithLabelValues(result).Inc() }

func (m *metrics) lockRetry(lock string) {
	m.lockRetries.WithLabelValues(lock).Inc()
	retryLog.Debugf("IPC %s lock busy, caller will retry", lock)
}

func (m *metrics) recycle(result string) { m.recycles.WithLabelValues(result).Inc() }

func (m *metrics) objectAllocated(t ObjectType) { m.objects.WithLabelValues(t.String()).Inc() }

func (m *metrics) objectFreed(t ObjectType) { m.objects.WithLabelValues(t.String()).Dec() }
