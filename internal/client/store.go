package client

import (
	"sync"
	"time"

	"glucolog/internal/types"
)

// DraftPhase tracks where a pending extraction sits in its confirmation
// lifecycle.
type DraftPhase int

const (
	// PhasePending: the draft is shown to the user, awaiting confirm or
	// cancel.
	PhasePending DraftPhase = iota

	// PhaseAwaitingAck: the user confirmed and the confirm frame went out,
	// but the server has not acknowledged yet. The draft is retained so a
	// rejection can restore it instead of silently losing the correction
	// opportunity.
	PhaseAwaitingAck
)

// Draft is a server-proposed reading awaiting user confirmation.
type Draft struct {
	Reading types.Reading
	Phase   DraftPhase

	// RejectReason is set when the server refused a confirm and the draft
	// returned to PhasePending.
	RejectReason string
}

// View is an immutable snapshot of all published state. Consumers render
// from a View; they never observe errors or partial updates.
type View struct {
	Status     Status
	Transcript []types.Message
	Draft      *Draft

	History       []types.Reading
	HistoryLoaded bool

	Stats *types.Stats
}

// Observer receives a fresh View after every state mutation.
type Observer func(View)

// store owns all client-side state: transcript, confirmation machine, and
// aggregate snapshots. All mutation goes through its methods under one lock;
// inbound frames are applied by a single dispatch goroutine, so arrival order
// is preserved.
type store struct {
	mu sync.RWMutex

	status     Status
	transcript []types.Message
	draft      *Draft

	history       []types.Reading
	historyLoaded bool
	stats         *types.Stats

	// Latest issued request ids per snapshot kind. A response echoing an
	// older id is stale and dropped.
	historyReq uint64
	statsReq   uint64

	observers []Observer
	now       func() time.Time
}

func newStore() *store {
	return &store{now: time.Now}
}

// view builds a defensive copy of the published state. Caller must hold at
// least a read lock.
func (s *store) view() View {
	v := View{
		Status:        s.status,
		HistoryLoaded: s.historyLoaded,
	}
	v.Transcript = make([]types.Message, len(s.transcript))
	copy(v.Transcript, s.transcript)

	if s.draft != nil {
		d := *s.draft
		v.Draft = &d
	}
	if s.historyLoaded {
		v.History = make([]types.Reading, len(s.history))
		copy(v.History, s.history)
	}
	if s.stats != nil {
		st := *s.stats
		v.Stats = &st
	}
	return v
}

// View returns the current published state.
func (s *store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view()
}

// subscribe registers an observer for future mutations.
func (s *store) subscribe(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// notify snapshots the observer list and current view, then invokes the
// observers outside the lock so they may call back into the client.
func (s *store) notify() {
	s.mu.RLock()
	v := s.view()
	obs := make([]Observer, len(s.observers))
	copy(obs, s.observers)
	s.mu.RUnlock()

	for _, fn := range obs {
		fn(v)
	}
}

// mutate runs fn under the write lock and notifies observers afterwards.
func (s *store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

func (s *store) setStatus(status Status) {
	s.mutate(func() { s.status = status })
}

// Status returns the liveness state without copying the rest of the view.
func (s *store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// appendMessage appends one transcript turn. The transcript is append-only
// and never deduplicated: a line the server sends twice appears twice.
func (s *store) appendMessage(content string, fromUser bool) {
	s.mutate(func() {
		s.transcript = append(s.transcript, types.Message{
			Content:  content,
			FromUser: fromUser,
			At:       s.now(),
		})
	})
}

// installDraft replaces any existing draft with a freshly extracted reading.
// Last write wins regardless of phase: a new extraction supersedes both an
// unconfirmed draft and one still awaiting acknowledgment.
func (s *store) installDraft(r types.Reading) {
	s.mutate(func() {
		s.draft = &Draft{Reading: r, Phase: PhasePending}
	})
}

// beginConfirm moves the draft to PhaseAwaitingAck and returns the reading
// to send. ok is false when there is no draft in PhasePending.
func (s *store) beginConfirm() (types.Reading, bool) {
	var (
		r  types.Reading
		ok bool
	)
	s.mutate(func() {
		if s.draft == nil || s.draft.Phase != PhasePending {
			return
		}
		s.draft.Phase = PhaseAwaitingAck
		s.draft.RejectReason = ""
		r = s.draft.Reading
		ok = true
	})
	return r, ok
}

// rollbackConfirm returns a draft stuck in PhaseAwaitingAck to PhasePending.
// Used when the confirm frame could not be transmitted.
func (s *store) rollbackConfirm() {
	s.mutate(func() {
		if s.draft != nil && s.draft.Phase == PhaseAwaitingAck {
			s.draft.Phase = PhasePending
		}
	})
}

// cancelDraft drops a pending draft. Canceling with no draft, or one already
// awaiting acknowledgment, is a no-op.
func (s *store) cancelDraft() {
	s.mutate(func() {
		if s.draft != nil && s.draft.Phase == PhasePending {
			s.draft = nil
		}
	})
}

// ackConfirm clears a draft whose confirm the server accepted.
func (s *store) ackConfirm() {
	s.mutate(func() {
		if s.draft != nil && s.draft.Phase == PhaseAwaitingAck {
			s.draft = nil
		}
	})
}

// rejectConfirm restores a rejected draft to PhasePending, annotated with
// the server's reason so the user can correct and retry.
func (s *store) rejectConfirm(reason string) {
	s.mutate(func() {
		if s.draft != nil && s.draft.Phase == PhaseAwaitingAck {
			s.draft.Phase = PhasePending
			s.draft.RejectReason = reason
		}
	})
}

// nextHistoryReq issues the next history request id.
func (s *store) nextHistoryReq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyReq++
	return s.historyReq
}

// nextStatsReq issues the next stats request id.
func (s *store) nextStatsReq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsReq++
	return s.statsReq
}

// replaceHistory installs a history snapshot wholesale. A snapshot tagged
// with a request id older than the latest issued is stale and dropped;
// untagged snapshots (req 0, e.g. a server-initiated push) always apply.
// Returns false when dropped.
func (s *store) replaceHistory(req uint64, readings []types.Reading) bool {
	applied := false
	s.mutate(func() {
		if req != 0 && req < s.historyReq {
			return
		}
		s.history = make([]types.Reading, len(readings))
		copy(s.history, readings)
		s.historyLoaded = true
		applied = true
	})
	return applied
}

// replaceStats installs a stats snapshot wholesale, with the same staleness
// rule as replaceHistory.
func (s *store) replaceStats(req uint64, stats types.Stats) bool {
	applied := false
	s.mutate(func() {
		if req != 0 && req < s.statsReq {
			return
		}
		s.stats = &stats
		applied = true
	})
	return applied
}
