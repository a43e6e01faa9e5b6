/*
   Timed blocker queue for the guest thread scheduler.

   Copyright 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a copy
   of this software and associated documentation files (the "Software"), to deal
   in the Software without restriction, including without limitation the rights
   to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
   copies of the Software, and to permit persons to whom the Software is
   furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
   AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
   LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
   OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
   SOFTWARE.

*/

package scheduler

// timerCallback fires when a timed blocker's deadline is reached.
type timerCallback = func(iarg int)

// timer is one node of the delta-time queue: time is relative to the node
// before it, so advancing the clock by t is one subtraction against the
// head instead of a comparison against every pending deadline.
type timer struct {
	time int64
	cb   timerCallback
	iarg int
	prev *timer
	next *timer
	tid  uint64 // owning thread, for CancelTimer lookups
}

// timerList is the delta-queue itself, kept per-Scheduler rather than as a
// package-level singleton so multiple schedulers never share timers.
type timerList struct {
	head *timer
	tail *timer
}

// AddTimer schedules cb to fire in t ticks. A zero or negative t is
// clamped to one tick rather than fired inline: the caller is typically a
// syscall handler running under the scheduler's own run loop, and firing
// a wake-up callback re-entrantly from inside the blocking call it is
// meant to cancel would requeue a thread the loop still considers current.
func (l *timerList) AddTimer(tid uint64, cb timerCallback, t int64, iarg int) {
	if t <= 0 {
		t = 1
	}

	ev := &timer{tid: tid, cb: cb, time: t, iarg: iarg}

	cur := l.head
	if cur == nil {
		l.head = ev
		l.tail = ev
		return
	}

	for cur != nil {
		if ev.time <= cur.time {
			cur.time -= ev.time
			ev.prev = cur.prev
			ev.next = cur
			cur.prev = ev
			if ev.prev != nil {
				ev.prev.next = ev
			} else {
				l.head = ev
			}
			return
		}
		ev.time -= cur.time
		cur = cur.next
	}

	ev.prev = l.tail
	l.tail.next = ev
	l.tail = ev
}

// CancelTimer removes the first pending timer owned by tid with the given
// iarg, if any, donating its remaining time to the following timer.
func (l *timerList) CancelTimer(tid uint64, iarg int) {
	cur := l.head
	for cur != nil {
		if cur.tid == tid && cur.iarg == iarg {
			if cur.next != nil {
				cur.next.time += cur.time
				cur.next.prev = cur.prev
			} else {
				l.tail = cur.prev
			}
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				l.head = cur.next
			}
			return
		}
		cur = cur.next
	}
}

// Advance moves the clock forward by t ticks, firing every timer whose
// deadline has elapsed, in deadline order.
func (l *timerList) Advance(t int64) {
	cur := l.head
	if cur == nil {
		return
	}
	cur.time -= t
	for cur != nil && cur.time <= 0 {
		l.head = cur.next
		if l.head != nil {
			l.head.prev = nil
		} else {
			l.tail = nil
		}
		fired := cur
		cur = l.head
		fired.cb(fired.iarg)
	}
}

// Empty reports whether any timer is pending.
func (l *timerList) Empty() bool { return l.head == nil }

// NextDelta returns the ticks remaining until the head timer fires, or 0
// when no timer is pending.
func (l *timerList) NextDelta() int64 {
	if l.head == nil {
		return 0
	}
	return l.head.time
}
