package session

import "sync"

// promptQueue holds user text queued while a run is active. Steering
// messages are injected at the next assistant-message boundary;
// follow-ups start a fresh run once the current one drains. Both queues
// are FIFO.
type promptQueue struct {
	mu        sync.Mutex
	steering  []string
	followUps []string
}

func (q *promptQueue) AddSteering(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, text)
}

func (q *promptQueue) AddFollowUp(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUps = append(q.followUps, text)
}

// PopSteering removes and returns the oldest steering message.
func (q *promptQueue) PopSteering() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steering) == 0 {
		return "", false
	}
	text := q.steering[0]
	q.steering = q.steering[1:]
	return text, true
}

// DrainSteering removes and returns all queued steering messages,
// oldest first.
func (q *promptQueue) DrainSteering() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.steering
	q.steering = nil
	return msgs
}

// PopFollowUp removes and returns the oldest follow-up.
func (q *promptQueue) PopFollowUp() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.followUps) == 0 {
		return "", false
	}
	text := q.followUps[0]
	q.followUps = q.followUps[1:]
	return text, true
}

// ClearFollowUps drops queued follow-ups. Abort preserves steering but
// discards follow-ups.
func (q *promptQueue) ClearFollowUps() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUps = nil
}

// Clear drops both queues.
func (q *promptQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUps = nil
}

// Lengths reports the queued steering and follow-up counts.
func (q *promptQueue) Lengths() (steering, followUps int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering), len(q.followUps)
}
