package session

// Admission error codes, surfaced verbatim to the client that attempted the
// operation. None of them are retriable without changed inputs or waiting.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeInvalidKey       = "INVALID_KEY"
	CodeInvalidPassword  = "INVALID_PASSWORD"
	CodeSessionFull      = "SESSION_FULL"
	CodeSessionExists    = "SESSION_EXISTS"
)

// AdmissionError rejects a single join or reserve attempt. It is terminal
// for that attempt only; the session and the relay carry on.
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string { return e.Code + ": " + e.Message }

var (
	ErrSessionNotFound  = &AdmissionError{CodeSessionNotFound, "Session not found. Please check the session link."}
	ErrSessionNotActive = &AdmissionError{CodeSessionNotActive, "Room not active yet. Please wait for the creator to join first."}
	ErrInvalidKey       = &AdmissionError{CodeInvalidKey, "Invalid authentication key. Please check your link and try again."}
	ErrInvalidPassword  = &AdmissionError{CodeInvalidPassword, "Incorrect password. Please check and try again."}
	ErrSessionFull      = &AdmissionError{CodeSessionFull, "This room is full. Only 2 members allowed."}
	ErrSessionExists    = &AdmissionError{CodeSessionExists, "Session already exists"}
)
