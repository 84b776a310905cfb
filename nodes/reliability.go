// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package nodes

const (
	// DefaultFreshNodeThreshold is the number of requests a node must have
	// handled before its score reflects its history.
	DefaultFreshNodeThreshold = 20

	// DefaultMaxResponses bounds the per node result history.
	DefaultMaxResponses = 100

	freshScore = 0.2
)

// Result is the outcome of one request, as seen by the reliability score.
type Result int

const (
	// ResultSuccess is a valid response.
	ResultSuccess Result = iota
	// ResultDishonest is a response that failed verification.
	ResultDishonest
	// ResultNone means no usable response arrived.
	ResultNone
)

// Status tells whether a node has enough history to be judged.
type Status int

const (
	StatusFresh Status = iota
	StatusNonFresh
)

type peerMetrics struct {
	sent    int
	results []Result
}

// Reliability scores nodes by their recent request outcomes.  It is not safe
// for concurrent use.
type Reliability struct {
	freshThreshold int
	maxResponses   int

	metrics map[string]*peerMetrics
}

// NewReliability returns an empty Reliability.
func NewReliability(freshThreshold, maxResponses int) *Reliability {
	return &Reliability{
		freshThreshold: freshThreshold,
		maxResponses:   maxResponses,
		metrics:        make(map[string]*peerMetrics),
	}
}

// Add records a request outcome for peerID.
func (r *Reliability) Add(peerID string, res Result) {
	m, ok := r.metrics[peerID]
	if !ok {
		m = new(peerMetrics)
		r.metrics[peerID] = m
	}
	m.sent++
	m.results = append(m.results, res)
	if over := len(m.results) - r.maxResponses; over > 0 {
		m.results = append(m.results[:0], m.results[over:]...)
	}
}

// Status returns StatusFresh until peerID handled enough requests.
func (r *Reliability) Status(peerID string) Status {
	m, ok := r.metrics[peerID]
	if !ok || m.sent < r.freshThreshold {
		return StatusFresh
	}
	return StatusNonFresh
}

// Score returns a value in [0, 1].  Fresh nodes score 0.2.  Otherwise the
// score is computed over the bounded window of the last MaxResponses
// results, not over every request sent: any dishonest result in the window
// scores 0, else the share of the window that got a response.
func (r *Reliability) Score(peerID string) float64 {
	m, ok := r.metrics[peerID]
	if !ok {
		return 0
	}
	if m.sent < r.freshThreshold {
		return freshScore
	}

	none := 0
	for _, res := range m.results {
		switch res {
		case ResultDishonest:
			return 0
		case ResultNone:
			none++
		}
	}
	n := len(m.results)
	return float64(n-none) / float64(n)
}
