// Copyright 2023 LiveKit, Inc.
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

package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	reliableNamespace = "reliable"
	udpSubsystem      = "udp"
)

var (
	promPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: reliableNamespace,
		Subsystem: udpSubsystem,
		Name:      "packets",
	}, []string{"kind"})
	promBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: reliableNamespace,
		Subsystem: udpSubsystem,
		Name:      "bytes",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(promPackets)
	prometheus.MustRegister(promBytes)
}

func RecordPacketDropped() {
	promPackets.WithLabelValues("dropped").Inc()
}

func RecordNacksSent(count uint32) {
	promPackets.WithLabelValues("nack_sent").Add(float64(count))
}

func RecordResent() {
	promPackets.WithLabelValues("resent").Inc()
}

func RecordNoneSent() {
	promPackets.WithLabelValues("none_sent").Inc()
}

func RecordSkipped(count uint64) {
	promPackets.WithLabelValues("skipped").Add(float64(count))
}

func RecordBytes(direction string, count int) {
	promBytes.WithLabelValues(direction).Add(float64(count))
}
