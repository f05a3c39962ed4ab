// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package netd

import (
	"time"

	"github.com/google/btree"
)

// timerID identifies a scheduled deadline so it can be cancelled.
type timerID uint64

type timerEntry struct {
	when time.Time
	id   timerID
	fn   func(now time.Time)
}

func timerLess(a, b timerEntry) bool {
	if a.when.Equal(b.when) {
		return a.id < b.id
	}
	return a.when.Before(b.when)
}

// timerQueue tracks the deadlines at which the stack must be polled even
// absent external events. All deadlines coalesce into a single next value
// that bounds the event loop's wait. Used only from the loop goroutine.
type timerQueue struct {
	tree   *btree.BTreeG[timerEntry]
	byID   map[timerID]timerEntry
	nextID timerID
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		tree: btree.NewG(8, timerLess),
		byID: make(map[timerID]timerEntry),
	}
}

// schedule registers fn to run once now reaches when.
func (q *timerQueue) schedule(when time.Time, fn func(now time.Time)) timerID {
	q.nextID++
	entry := timerEntry{when: when, id: q.nextID, fn: fn}
	q.tree.ReplaceOrInsert(entry)
	q.byID[entry.id] = entry
	return entry.id
}

// cancel removes a scheduled deadline. Cancelling an already fired or
// unknown timer is a no-op.
func (q *timerQueue) cancel(id timerID) {
	entry, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	q.tree.Delete(entry)
}

// next returns the soonest pending deadline. ok is false when no timer is
// pending, in which case the caller may block indefinitely on I/O alone.
func (q *timerQueue) next() (time.Time, bool) {
	entry, ok := q.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return entry.when, true
}

// fire runs every callback whose deadline has been reached. Callbacks may
// schedule new timers; those are not run in the same pass even if already
// due, which bounds the work per loop turn.
func (q *timerQueue) fire(now time.Time) {
	var due []timerEntry
	q.tree.Ascend(func(entry timerEntry) bool {
		if entry.when.After(now) {
			return false
		}
		due = append(due, entry)
		return true
	})

	for _, entry := range due {
		q.tree.Delete(entry)
		delete(q.byID, entry.id)
	}

	for _, entry := range due {
		entry.fn(now)
	}
}

// len returns the number of pending timers.
func (q *timerQueue) len() int {
	return q.tree.Len()
}
