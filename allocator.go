package amqp

import "sort"

// allocator hands out channel numbers in [1, max]. Given the current used
// set S, it tries, in order: the caller's proposed number if free, 1 if S is
// empty, smallest(S)-1 if the smallest member is above 1, largest(S)+1 if
// the largest member is below max, and finally a linear scan for the first
// free slot in [1,max] — matching the negotiated channel-max ceiling from
// connection.tune-ok.
type allocator struct {
	max  uint16
	used map[uint16]bool
}

func newAllocator(max uint16) *allocator {
	return &allocator{max: max, used: map[uint16]bool{}}
}

// propose reserves want if it is free and in range; pass 0 to let the
// allocator pick.
func (a *allocator) propose(want uint16) (uint16, error) {
	if want != 0 {
		if want > a.max {
			return 0, ErrOutOfChannelNumbers
		}
		if a.used[want] {
			return 0, ErrChannelAlreadyRegistered
		}
		a.used[want] = true
		return want, nil
	}
	return a.allocate()
}

func (a *allocator) allocate() (uint16, error) {
	if len(a.used) == 0 {
		a.used[1] = true
		return 1, nil
	}

	numbers := make([]uint16, 0, len(a.used))
	for n := range a.used {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	smallest := numbers[0]
	largest := numbers[len(numbers)-1]

	if smallest > 1 {
		candidate := smallest - 1
		a.used[candidate] = true
		return candidate, nil
	}

	if largest < a.max {
		a.used[largest+1] = true
		return largest + 1, nil
	}

	// full interval scan, last resort
	for n := uint16(1); n <= a.max; n++ {
		if !a.used[n] {
			a.used[n] = true
			return n, nil
		}
	}

	return 0, ErrOutOfChannelNumbers
}

func (a *allocator) release(n uint16) {
	delete(a.used, n)
}
