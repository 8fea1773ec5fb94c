package connector

// SessionContext carries the acting identity for a single connector
// invocation. It is created after authentication, travels explicitly through
// the processing pipeline (never as ambient state), and is released on every
// exit path so a reused worker goroutine cannot leak one invocation's
// identity into the next.
type SessionContext struct {
	userID    string
	authMgr   string
	subjectDN string
	released  bool
}

func newSessionContext(userID, authMgr, subjectDN string) *SessionContext {
	return &SessionContext{
		userID:    userID,
		authMgr:   authMgr,
		subjectDN: subjectDN,
	}
}

// UserID returns the authenticated identity, or empty once released.
func (s *SessionContext) UserID() string {
	if s == nil || s.released {
		return ""
	}
	return s.userID
}

// SubjectDN returns the peer certificate subject, or empty once released.
func (s *SessionContext) SubjectDN() string {
	if s == nil || s.released {
		return ""
	}
	return s.subjectDN
}

// AuthMgr returns the authenticating manager instance name.
func (s *SessionContext) AuthMgr() string {
	if s == nil || s.released {
		return ""
	}
	return s.authMgr
}

// Release clears the identity. Idempotent.
func (s *SessionContext) Release() {
	if s == nil {
		return
	}
	s.userID = ""
	s.authMgr = ""
	s.subjectDN = ""
	s.released = true
}
