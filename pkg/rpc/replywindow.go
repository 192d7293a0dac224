package rpc

import "sync"

// entryState tracks one (clt_nonce, xid) entry:
// absent -> INPROGRESS -> DONE -> (xid_rep advances) -> FORGOTTEN.
type entryState int

const (
	stateInProgress entryState = iota
	stateDone
)

type replyEntry struct {
	state entryState
	reply []byte // cached encoded reply payload, set once state == stateDone
}

// replyWindow is one client nonce's view of the server's at-most-once
// bookkeeping: which xids have been seen, which are still executing,
// and the cached bytes of each completed reply, trimmed whenever the
// client's xid_rep advances. Entries are keyed by exact xid rather
// than a sliding sequence range because the dispatcher must distinguish
// "never seen" from "seen and forgotten".
type replyWindow struct {
	mu      sync.Mutex
	floor   uint32 // highest xid already trimmed (xid_rep last observed)
	entries map[uint32]*replyEntry
}

func newReplyWindow() *replyWindow {
	return &replyWindow{entries: make(map[uint32]*replyEntry)}
}

// lookupResult tells the dispatcher what to do with an inbound request.
type lookupResult int

const (
	lookupNew lookupResult = iota
	lookupInProgress
	lookupDone
	lookupForgotten
)

// Lookup classifies an inbound request as NEW/INPROGRESS/DONE/FORGOTTEN
// and, as a side effect, trims the window to xidRep and marks a NEW xid
// INPROGRESS so a concurrent retransmit of the same xid sees INPROGRESS
// rather than racing to execute the handler twice.
func (w *replyWindow) Lookup(xid, xidRep uint32) (lookupResult, []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked(xidRep)

	if xid <= w.floor {
		// trimLocked already evicted every entry at or below the floor,
		// so there is nothing left to serve from cache here.
		return lookupForgotten, nil
	}

	e, ok := w.entries[xid]
	if !ok {
		w.entries[xid] = &replyEntry{state: stateInProgress}
		return lookupNew, nil
	}
	if e.state == stateDone {
		return lookupDone, e.reply
	}
	return lookupInProgress, nil
}

// Complete records the handler's result for xid so future retransmits
// get the cached bytes instead of re-executing.
func (w *replyWindow) Complete(xid uint32, reply []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[xid]
	if !ok {
		e = &replyEntry{}
		w.entries[xid] = e
	}
	e.state = stateDone
	e.reply = reply
}

// trimLocked advances the floor to xidRep and frees every cached reply
// at or below it. Must be called with w.mu held.
func (w *replyWindow) trimLocked(xidRep uint32) {
	if xidRep <= w.floor {
		return
	}
	for xid := range w.entries {
		if xid <= xidRep {
			delete(w.entries, xid)
		}
	}
	w.floor = xidRep
}

// Size reports the number of live entries, exported for the bounded-
// size test assertions and the reply-window-size metric.
func (w *replyWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
