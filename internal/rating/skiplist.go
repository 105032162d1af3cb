// Package rating settles ended battles into ELO and outcome updates and keeps
// the in-memory ladder views that back rank queries.
//
// The ladder index is a span-augmented skip list (Pugh 1990), the same shape
// Redis uses for ZSET, giving O(log n) updates and rank lookups.
package rating

import (
	"math/rand"
	"time"
)

const (
	skipMaxLevel = 32
	skipP        = 0.25
)

// Entry is one ladder row as surfaced by rank and range queries.
type Entry struct {
	UserID string `json:"user_id"`
	Elo    int    `json:"elo"`
	Rank   int    `json:"rank"`
}

type skipNode struct {
	entry Entry
	next  []*skipNode
	span  []int
}

// skipList orders entries by ELO descending, user id ascending on ties. Not
// goroutine-safe; Ladder holds the lock.
type skipList struct {
	head   *skipNode
	level  int
	length int
	rng    *rand.Rand
}

func newSkipList() *skipList {
	return &skipList{
		head: &skipNode{
			next: make([]*skipNode, skipMaxLevel),
			span: make([]int, skipMaxLevel),
		},
		level: 1,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// sortsBefore reports whether e precedes (userID, elo) in ladder order.
func sortsBefore(e Entry, userID string, elo int) bool {
	if e.Elo != elo {
		return e.Elo > elo
	}
	return e.UserID < userID
}

func (sl *skipList) randomLevel() int {
	level := 1
	for level < skipMaxLevel && sl.rng.Float64() < skipP {
		level++
	}
	return level
}

// insert adds (userID, elo). The caller removes any previous entry for the
// same user first; the list itself never checks for duplicates.
func (sl *skipList) insert(userID string, elo int) {
	update := make([]*skipNode, skipMaxLevel)
	rank := make([]int, skipMaxLevel)

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		if i == sl.level-1 {
			rank[i] = 0
		} else {
			rank[i] = rank[i+1]
		}
		for x.next[i] != nil && sortsBefore(x.next[i].entry, userID, elo) {
			rank[i] += x.span[i]
			x = x.next[i]
		}
		update[i] = x
	}

	level := sl.randomLevel()
	if level > sl.level {
		for i := sl.level; i < level; i++ {
			rank[i] = 0
			update[i] = sl.head
			update[i].span[i] = sl.length
		}
		sl.level = level
	}

	node := &skipNode{
		entry: Entry{UserID: userID, Elo: elo},
		next:  make([]*skipNode, level),
		span:  make([]int, level),
	}
	for i := 0; i < level; i++ {
		node.next[i] = update[i].next[i]
		update[i].next[i] = node
		node.span[i] = update[i].span[i] - (rank[0] - rank[i])
		update[i].span[i] = rank[0] - rank[i] + 1
	}
	for i := level; i < sl.level; i++ {
		update[i].span[i]++
	}
	sl.length++
}

// remove deletes the entry for (userID, elo); the elo must be the one the
// entry was inserted with, since it determines the search path.
func (sl *skipList) remove(userID string, elo int) bool {
	update := make([]*skipNode, skipMaxLevel)

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.next[i] != nil && sortsBefore(x.next[i].entry, userID, elo) {
			x = x.next[i]
		}
		update[i] = x
	}

	x = x.next[0]
	if x == nil || x.entry.UserID != userID || x.entry.Elo != elo {
		return false
	}

	for i := 0; i < sl.level; i++ {
		if update[i].next[i] == x {
			update[i].span[i] += x.span[i] - 1
			update[i].next[i] = x.next[i]
		} else {
			update[i].span[i]--
		}
	}
	for sl.level > 1 && sl.head.next[sl.level-1] == nil {
		sl.level--
	}
	sl.length--
	return true
}

// rank returns the 1-indexed rank of (userID, elo), or 0 when absent.
func (sl *skipList) rank(userID string, elo int) int {
	r := 0
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.next[i] != nil && sortsBefore(x.next[i].entry, userID, elo) {
			r += x.span[i]
			x = x.next[i]
		}
	}
	if n := x.next[0]; n != nil && n.entry.UserID == userID {
		return r + 1
	}
	return 0
}

// rangeOf returns entries in rank positions [start, end], 1-indexed inclusive.
func (sl *skipList) rangeOf(start, end int) []Entry {
	if start < 1 {
		start = 1
	}
	if end > sl.length {
		end = sl.length
	}
	if start > end {
		return nil
	}

	traversed := 0
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.next[i] != nil && traversed+x.span[i] < start {
			traversed += x.span[i]
			x = x.next[i]
		}
	}

	out := make([]Entry, 0, end-start+1)
	x = x.next[0]
	for x != nil && traversed < end {
		traversed++
		if traversed >= start {
			e := x.entry
			e.Rank = traversed
			out = append(out, e)
		}
		x = x.next[0]
	}
	return out
}
