package ir

import (
	"strconv"
	"strings"
)

// KeySeparator joins the segments of a derived work key.
const KeySeparator = "-"

// WorkKey identifies one unit of work in the fan-out tree.
//
// Root keys are the decimal process index ("3"). A child key appends
// "-<index>" to its parent ("3-0", "3-0-1"). Indices are 0-based, and a
// child key is a pure function of its parent key and its local index, so
// re-expanding a parent always yields the same children.
type WorkKey string

// RootKey returns the key of the i-th seeded process.
func RootKey(i int) WorkKey {
	return WorkKey(strconv.Itoa(i))
}

// Child returns the key of the i-th child of k.
func (k WorkKey) Child(i int) WorkKey {
	return WorkKey(string(k) + KeySeparator + strconv.Itoa(i))
}

// Depth returns the tree level of k. Root keys have depth 1.
func (k WorkKey) Depth() int {
	if k == "" {
		return 0
	}
	return strings.Count(string(k), KeySeparator) + 1
}

// Parent returns the key k was derived from. Root keys have no parent.
func (k WorkKey) Parent() (WorkKey, bool) {
	i := strings.LastIndex(string(k), KeySeparator)
	if i < 0 {
		return "", false
	}
	return k[:i], true
}

// String implements fmt.Stringer.
func (k WorkKey) String() string {
	return string(k)
}

// CompareKeys orders keys segment by segment, numerically where both
// segments are integers, so "0-9" sorts before "0-10".
func CompareKeys(a, b WorkKey) int {
	as := strings.Split(string(a), KeySeparator)
	bs := strings.Split(string(b), KeySeparator)

	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

func compareSegment(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
