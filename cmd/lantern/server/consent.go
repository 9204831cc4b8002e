package server

import (
	"sync"
	"time"
)

// ConsentRequest is a pending upload waiting for the receiving user's
// decision. The serving goroutine blocks on the decision until Accept,
// Reject, or the deadline; no decision by the deadline resolves to Reject.
type ConsentRequest struct {
	Filename   string
	Size       uint64
	SenderAddr string
	Deadline   time.Time

	once     sync.Once
	decision chan bool
}

func newConsentRequest(filename string, size uint64, senderAddr string, window time.Duration) *ConsentRequest {
	return &ConsentRequest{
		Filename:   filename,
		Size:       size,
		SenderAddr: senderAddr,
		Deadline:   time.Now().Add(window),
		decision:   make(chan bool, 1),
	}
}

// Accept allows the upload. Only the first of Accept/Reject counts.
func (r *ConsentRequest) Accept() { r.resolve(true) }

// Reject declines the upload. Only the first of Accept/Reject counts.
func (r *ConsentRequest) Reject() { r.resolve(false) }

func (r *ConsentRequest) resolve(accepted bool) {
	r.once.Do(func() { r.decision <- accepted })
}

// await blocks until a decision arrives or the deadline passes.
func (r *ConsentRequest) await() bool {
	timer := time.NewTimer(time.Until(r.Deadline))
	defer timer.Stop()
	select {
	case accepted := <-r.decision:
		return accepted
	case <-timer.C:
		return false
	}
}
