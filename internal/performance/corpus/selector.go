package corpus

import (
	"fmt"
	"math/rand"
	"strings"
)

// Policy decides which payload a virtual user sends next.
type Policy string

const (
	// PolicySequential replays the corpus in order, wrapping at the end.
	PolicySequential Policy = "sequential"

	// PolicyRandom draws payloads uniformly from a per-user seeded source.
	PolicyRandom Policy = "random"
)

// ParsePolicy converts a configuration value into a Policy.
// The empty string selects PolicySequential.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySequential:
		return PolicySequential, nil
	case PolicyRandom:
		return PolicyRandom, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q (expected %s or %s)", s, PolicySequential, PolicyRandom)
	}
}

// Selector yields the payloads for one virtual user.
// A Selector is owned by a single goroutine and is not safe for concurrent use.
type Selector interface {
	Next() Payload
}

// NewSelector creates the selector for virtual user vuID.
func NewSelector(policy Policy, c *Corpus, seed int64, vuID int) Selector {
	if policy == PolicyRandom {
		return &randomSelector{
			corpus: c,
			rng:    rand.New(rand.NewSource(seed + int64(vuID))),
		}
	}
	return &sequentialSelector{corpus: c}
}

type sequentialSelector struct {
	corpus *Corpus
	next   int
}

func (s *sequentialSelector) Next() Payload {
	p := s.corpus.At(s.next)
	s.next++
	if s.next >= s.corpus.Len() {
		s.next = 0
	}
	return p
}

type randomSelector struct {
	corpus *Corpus
	rng    *rand.Rand
}

func (s *randomSelector) Next() Payload {
	return s.corpus.At(s.rng.Intn(s.corpus.Len()))
}
