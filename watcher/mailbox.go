package watcher

import "time"

// ReloadRequest asks the reload coordinator to swap in the module at
// CandidatePath. It is consumed exactly once.
type ReloadRequest struct {
	CandidatePath string
	DetectedAt    time.Time
	Checksum      uint32
}

// Mailbox is a single-consumer channel holding at most one
// pending ReloadRequest. A newer request replaces the pending one since only
// the latest file content matters.
type Mailbox struct {
	ch chan ReloadRequest
}

func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan ReloadRequest, 1)}
}

// Post stores req, dropping any request that has not been taken yet.
// It reports whether a pending request was replaced. Post never blocks,
// even with a second producer such as a manual reload key.
func (m *Mailbox) Post(req ReloadRequest) (replaced bool) {
	for {
		select {
		case m.ch <- req:
			return replaced
		default:
		}
		select {
		case <-m.ch:
			replaced = true
		default:
		}
	}
}

// TryTake returns the pending request without blocking.
func (m *Mailbox) TryTake() (ReloadRequest, bool) {
	select {
	case req := <-m.ch:
		return req, true
	default:
		return ReloadRequest{}, false
	}
}

// C exposes the receive side for select loops.
func (m *Mailbox) C() <-chan ReloadRequest {
	return m.ch
}
