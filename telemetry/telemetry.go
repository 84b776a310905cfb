// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package telemetry reports request outcomes to pluggable sinks without
// ever blocking the request path.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/rpch/rpch/core/worker"
	"github.com/rpch/rpch/nodes"
)

// DefaultQueueSize is the Dispatcher queue length used when none is
// configured.
const DefaultQueueSize = 256

// Result classifies how a request ended.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
	ResultTimeout
	ResultRemoteError
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	case ResultRemoteError:
		return "remote_error"
	default:
		return fmt.Sprintf("[unknown result: %d]", int(r))
	}
}

// Outcome describes one finished request.
type Outcome struct {
	RequestID uint64
	Provider  string
	EntryID   string
	ExitID    string
	Result    Result
	Segments  int
	Latency   time.Duration
	At        time.Time
}

// Sink consumes outcomes.
type Sink interface {
	ReportOutcome(Outcome)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Outcome)

// ReportOutcome calls f(o).
func (f SinkFunc) ReportOutcome(o Outcome) {
	f(o)
}

// Multi fans an outcome out to every sink in order.
type Multi []Sink

// ReportOutcome reports o to every sink.
func (m Multi) ReportOutcome(o Outcome) {
	for _, s := range m {
		s.ReportOutcome(o)
	}
}

// Dispatcher forwards outcomes to a Sink from a background worker.  Report
// never blocks; outcomes that do not fit in the queue are dropped.
type Dispatcher struct {
	worker.Worker

	log     *logging.Logger
	sink    Sink
	queue   chan Outcome
	dropped atomic.Uint64
}

// NewDispatcher starts a Dispatcher in front of sink.
func NewDispatcher(sink Sink, queueSize int, log *logging.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		log:   log,
		sink:  sink,
		queue: make(chan Outcome, queueSize),
	}
	d.Go(d.worker)
	return d
}

// Report enqueues o.
func (d *Dispatcher) Report(o Outcome) {
	select {
	case d.queue <- o:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.log.Warningf("Telemetry queue full, %d outcomes dropped so far", n)
		}
	}
}

// ReportOutcome implements Sink.
func (d *Dispatcher) ReportOutcome(o Outcome) {
	d.Report(o)
}

// Dropped returns the number of outcomes discarded on overflow.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.HaltCh():
			d.drain()
			return
		case o := <-d.queue:
			d.sink.ReportOutcome(o)
		}
	}
}

// drain flushes what was queued before the halt.
func (d *Dispatcher) drain() {
	for {
		select {
		case o := <-d.queue:
			d.sink.ReportOutcome(o)
		default:
			return
		}
	}
}

// LogSink writes outcomes to a logger.
type LogSink struct {
	Log *logging.Logger
}

// ReportOutcome implements Sink.
func (s *LogSink) ReportOutcome(o Outcome) {
	s.Log.Debugf("request[%d] %s via %s > %s: %d segments in %v", o.RequestID, o.Result, nodes.ShortID(o.EntryID), nodes.ShortID(o.ExitID), o.Segments, o.Latency)
}
