// Package sequence tracks database sequence numbers in flight during a push.
package sequence

import "sort"

// Set is an ordered set of positive sequence numbers plus a high-water mark
// of every sequence ever added. The pusher uses it to know which sequences
// have been read from the database but not yet acknowledged by the peer.
// Not safe for concurrent use; each actor owns its own Set.
type Set struct {
	seqs    []uint64 // sorted ascending
	maxEver uint64
}

func (s *Set) Len() int { return len(s.seqs) }

func (s *Set) Empty() bool { return len(s.seqs) == 0 }

// MaxEver is the highest sequence ever added, surviving removals.
func (s *Set) MaxEver() uint64 { return s.maxEver }

// First returns the smallest member, or 0 when empty.
func (s *Set) First() uint64 {
	if len(s.seqs) == 0 {
		return 0
	}
	return s.seqs[0]
}

func (s *Set) Contains(seq uint64) bool {
	i := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] >= seq })
	return i < len(s.seqs) && s.seqs[i] == seq
}

func (s *Set) Add(seq uint64) {
	if seq > s.maxEver {
		s.maxEver = seq
	}
	i := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] >= seq })
	if i < len(s.seqs) && s.seqs[i] == seq {
		return
	}
	s.seqs = append(s.seqs, 0)
	copy(s.seqs[i+1:], s.seqs[i:])
	s.seqs[i] = seq
}

func (s *Set) Remove(seq uint64) bool {
	i := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] >= seq })
	if i >= len(s.seqs) || s.seqs[i] != seq {
		return false
	}
	s.seqs = append(s.seqs[:i], s.seqs[i+1:]...)
	return true
}

func (s *Set) Clear() {
	s.seqs = s.seqs[:0]
}

// CheckpointableSequence is the highest sequence known durable upstream:
// every sequence up to and including it has been completed. With members
// pending it is First()-1; with none it is MaxEver.
func (s *Set) CheckpointableSequence() uint64 {
	if len(s.seqs) == 0 {
		return s.maxEver
	}
	return s.seqs[0] - 1
}
