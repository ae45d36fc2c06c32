/*
Copyright © 2020 Marvin

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
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	channelInflightRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scaling",
			Subsystem: "channel",
			Name:      "inflight_records",
			Help:      "Number of records sent but not acknowledged",
		},
		[]string{"channel"},
	)
	channelAckedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scaling",
			Subsystem: "channel",
			Name:      "acked_records_total",
			Help:      "Total records acknowledged by the consumer",
		},
		[]string{"channel"},
	)
	channelSentBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scaling",
			Subsystem: "channel",
			Name:      "sent_batches_total",
			Help:      "Total batches sent by the producer",
		},
		[]string{"channel"},
	)
	engineBusyWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scaling",
			Subsystem: "engine",
			Name:      "busy_workers",
			Help:      "Number of workers currently running a task",
		},
		[]string{"engine"},
	)
	engineTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scaling",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Time taken by a submitted task",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine", "status"},
	)
	jobState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scaling",
			Subsystem: "job",
			Name:      "state",
			Help:      "Current job state, 1 for the active state label",
		},
		[]string{"job_id", "state"},
	)
	masterOrphanJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scaling",
			Subsystem: "master",
			Name:      "orphan_jobs",
			Help:      "Number of active jobs without an owning worker at the last leader scan",
		},
	)
)

func init() {
	prometheus.MustRegister(channelInflightRecords)
	prometheus.MustRegister(channelAckedRecords)
	prometheus.MustRegister(channelSentBatches)
	prometheus.MustRegister(engineBusyWorkers)
	prometheus.MustRegister(engineTaskDuration)
	prometheus.MustRegister(jobState)
	prometheus.MustRegister(masterOrphanJobs)
}

// ObserveChannelSend updates the producer side counters
func ObserveChannelSend(channel string, records int) {
	channelSentBatches.WithLabelValues(channel).Inc()
	channelInflightRecords.WithLabelValues(channel).Add(float64(records))
}

// ObserveChannelAck updates the consumer side counters
func ObserveChannelAck(channel string, records int) {
	channelInflightRecords.WithLabelValues(channel).Sub(float64(records))
	channelAckedRecords.WithLabelValues(channel).Add(float64(records))
}

// ReleaseChannel drops the label series of a closed channel
func ReleaseChannel(channel string) {
	channelInflightRecords.DeleteLabelValues(channel)
	channelAckedRecords.DeleteLabelValues(channel)
	channelSentBatches.DeleteLabelValues(channel)
}

func SetEngineBusyWorkers(engine string, count int) {
	engineBusyWorkers.WithLabelValues(engine).Set(float64(count))
}

func ObserveEngineTask(engine, status string, seconds float64) {
	engineTaskDuration.WithLabelValues(engine, status).Observe(seconds)
}

// SetJobState flips the active state label of a job
func SetJobState(jobID string, states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		jobState.WithLabelValues(jobID, s).Set(v)
	}
}

func SetOrphanJobs(count int) {
	masterOrphanJobs.Set(float64(count))
}

// Handler returns the prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
