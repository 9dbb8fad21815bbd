package util

import "time"

// Scheduler runs fn once after d. Scheduled tasks cannot be cancelled.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler schedules tasks on runtime timers.
type TimerScheduler struct{}

// AfterFunc implements [Scheduler].
func (TimerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
