package session

import "time"

type taskID uint64

// scheduler runs delayed tasks on the session goroutine. A timer only posts
// the task; whether it still runs is decided on the session goroutine, so a
// cancelled task never runs even if its timer already fired.
type scheduler struct {
	post   func(func()) bool
	next   taskID
	timers map[taskID]*time.Timer
}

func newScheduler(post func(func()) bool) *scheduler {
	return &scheduler{post: post, timers: map[taskID]*time.Timer{}}
}

func (s *scheduler) After(d time.Duration, fn func()) taskID {
	s.next++
	id := s.next
	s.timers[id] = time.AfterFunc(d, func() {
		s.post(func() {
			if _, ok := s.timers[id]; !ok {
				return
			}
			delete(s.timers, id)
			fn()
		})
	})
	return id
}

// Cancel is a no-op for zero, unknown or already run tasks.
func (s *scheduler) Cancel(id taskID) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *scheduler) CancelAll() {
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *scheduler) Pending() int {
	return len(s.timers)
}
