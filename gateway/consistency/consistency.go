/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package consistency

import (
	"fmt"
	"strings"
)

type Level int

const (
	Weak Level = iota
	Eventual
	Strong
)

func (l Level) String() string {
	switch l {
	case Strong:
		return "strong"
	case Eventual:
		return "eventual"
	case Weak:
		return "weak"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Guarantee describes what a caller is promised at this level, it is used
// when reporting that the promise could not be kept.
func (l Level) Guarantee() string {
	switch l {
	case Strong:
		return "majority quorum"
	case Eventual:
		return "single replica acknowledgement"
	case Weak:
		return "best effort"
	}
	return "unknown"
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strong":
		return Strong, nil
	case "eventual":
		return Eventual, nil
	case "weak":
		return Weak, nil
	}
	return Weak, fmt.Errorf("unknown consistency level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// QuorumSize returns how many replicas out of n must acknowledge an
// operation at the given level.
func QuorumSize(level Level, n int) int {
	switch level {
	case Strong:
		return n/2 + 1
	case Eventual:
		return 1
	}
	return 0
}

const DefaultMinCoverage = 0.8

type PolicyOptions struct {
	Default     Level
	Categories  map[string]Level
	MinCoverage float64
}

// Policy maps data categories onto consistency levels.  It is immutable.
type Policy struct {
	defaultLevel Level
	categories   map[string]Level
	minCoverage  float64
}

func NewPolicy(opts *PolicyOptions) (*Policy, error) {
	if opts == nil {
		opts = &PolicyOptions{Default: Eventual}
	}

	minCoverage := opts.MinCoverage
	if minCoverage == 0 {
		minCoverage = DefaultMinCoverage
	}
	if minCoverage < 0 || minCoverage > 1 {
		return nil, fmt.Errorf("min coverage must be within (0, 1], got %v", minCoverage)
	}

	categories := make(map[string]Level, len(opts.Categories))
	for category, level := range opts.Categories {
		categories[strings.ToLower(category)] = level
	}

	return &Policy{
		defaultLevel: opts.Default,
		categories:   categories,
		minCoverage:  minCoverage,
	}, nil
}

// DefaultPolicy keeps money and stock strongly consistent, lets
// customer-facing content converge eventually and treats analytical data as
// best effort.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(&PolicyOptions{
		Default: Eventual,
		Categories: map[string]Level{
			"payments":        Strong,
			"orders":          Strong,
			"inventory":       Strong,
			"financial":       Strong,
			"reviews":         Eventual,
			"recommendations": Eventual,
			"profiles":        Eventual,
			"analytics":       Weak,
			"reporting":       Weak,
		},
	})
	return p
}

func (p *Policy) LevelFor(category string) Level {
	level, ok := p.categories[strings.ToLower(category)]
	if !ok {
		return p.defaultLevel
	}
	return level
}

func (p *Policy) DefaultLevel() Level {
	return p.defaultLevel
}

func (p *Policy) MinCoverage() float64 {
	return p.minCoverage
}

// WithMinCoverage returns a copy of the policy using a different scatter
// coverage threshold.
func (p *Policy) WithMinCoverage(minCoverage float64) (*Policy, error) {
	return NewPolicy(&PolicyOptions{
		Default:     p.defaultLevel,
		Categories:  p.categories,
		MinCoverage: minCoverage,
	})
}

func (p *Policy) Categories() map[string]Level {
	out := make(map[string]Level, len(p.categories))
	for k, v := range p.categories {
		out[k] = v
	}
	return out
}

// Validate checks that a replica set of the given size can satisfy level.
func Validate(level Level, replicaSetSize int) error {
	if replicaSetSize < 1 {
		return fmt.Errorf("replica set must not be empty")
	}
	if QuorumSize(level, replicaSetSize) > replicaSetSize {
		return fmt.Errorf("replica set of %d cannot satisfy %s quorum", replicaSetSize, level)
	}
	return nil
}
