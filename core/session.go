package core

// Verdict is the outcome of validating a text chunk header
type Verdict uint8

const (
	Reject Verdict = iota
	Accept
	AcceptNewSession
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case AcceptNewSession:
		return "new-session"
	default:
		return "reject"
	}
}

// SessionValidator applies the session/sequence rules to text chunks.
//
// A different session id is only accepted with seq 0. Within the active
// session only the expected seq is accepted; duplicates, stale sequences and
// gaps are all rejected, so every chunk is applied exactly once and in order.
type SessionValidator struct {
	active    bool
	sessionID uint16
	expected  uint16
}

// Check classifies a chunk without changing state
func (v *SessionValidator) Check(sessionID, seq uint16) Verdict {
	if !v.active || sessionID != v.sessionID {
		if seq == 0 {
			return AcceptNewSession
		}
		return Reject
	}
	if seq == v.expected {
		return Accept
	}
	return Reject
}

// Begin makes sessionID the active session, expecting seq 0
func (v *SessionValidator) Begin(sessionID uint16) {
	v.active = true
	v.sessionID = sessionID
	v.expected = 0
}

// Commit records seq as applied
func (v *SessionValidator) Commit(seq uint16) {
	v.expected = seq + 1
}

// Validate checks a chunk and commits it when accepted
func (v *SessionValidator) Validate(sessionID, seq uint16) Verdict {
	verdict := v.Check(sessionID, seq)
	switch verdict {
	case AcceptNewSession:
		v.Begin(sessionID)
		v.Commit(seq)
	case Accept:
		v.Commit(seq)
	}
	return verdict
}

// State returns the active session id and the next expected seq
func (v *SessionValidator) State() (sessionID, expected uint16, active bool) {
	return v.sessionID, v.expected, v.active
}
