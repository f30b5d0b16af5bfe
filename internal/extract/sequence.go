package extract

import (
	"iter"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-ingest/internal/record"
)

// Sequence yields one candidate per matched listing element in document order.
// Candidates are built on demand and a Sequence cannot be rewound.
type Sequence struct {
	nodes *goquery.Selection
	pos   int
	build func(*goquery.Selection) record.Candidate
}

func newSequence(nodes *goquery.Selection, build func(*goquery.Selection) record.Candidate) *Sequence {
	return &Sequence{nodes: nodes, build: build}
}

// Next returns the next candidate, or false once the listings are exhausted.
func (s *Sequence) Next() (record.Candidate, bool) {
	if s == nil || s.nodes == nil || s.pos >= s.nodes.Length() {
		return nil, false
	}
	node := s.nodes.Eq(s.pos)
	s.pos++
	return s.build(node), true
}

// Remaining reports how many listings have not been yielded yet.
func (s *Sequence) Remaining() int {
	if s == nil || s.nodes == nil {
		return 0
	}
	return s.nodes.Length() - s.pos
}

// All ranges over the candidates left in the sequence.
func (s *Sequence) All() iter.Seq[record.Candidate] {
	return func(yield func(record.Candidate) bool) {
		for {
			c, ok := s.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}
