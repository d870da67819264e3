package domain

import "errors"

var (
	ErrSessionActive   = errors.New("a session is already active")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is already closed")
	ErrNoOpenSession   = errors.New("no open session")
)
