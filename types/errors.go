package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("websocket not connected")
	ErrSessionDeleted    = errors.New("session deleted")
	ErrReplayNotLoaded   = errors.New("replay not loaded")
	ErrReplayStepPending = errors.New("replay step already pending")
	ErrReplayEnded       = errors.New("replay ended")
	ErrListenerExists    = errors.New("listener already subscribed")
	ErrStreamRunning     = errors.New("stream already running")
)

// ConnectionError is a transport failure; it is fatal to every session on the connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SymbolResolutionError is reported to a chart session whose symbol or series failed.
type SymbolResolutionError struct {
	Symbol string
	Detail string
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("symbol %q: %s", e.Symbol, e.Detail)
}

// IndicatorUnavailableError means a scripted indicator could not be attached
// because its token is missing or was refused.
type IndicatorUnavailableError struct {
	Indicator string
	Detail    string
}

func (e *IndicatorUnavailableError) Error() string {
	return fmt.Sprintf("indicator %s unavailable: %s", e.Indicator, e.Detail)
}

// QuoteSymbolError affects one symbol of a quote session.
type QuoteSymbolError struct {
	Symbol string
	Detail string
}

func (e *QuoteSymbolError) Error() string {
	return fmt.Sprintf("quote %s: %s", e.Symbol, e.Detail)
}

// StudyError is a compute failure of one study.
type StudyError struct {
	StudyID string
	Detail  string
}

func (e *StudyError) Error() string {
	return fmt.Sprintf("study %s: %s", e.StudyID, e.Detail)
}

// ProtocolError is a server-reported error not tied to a symbol.
type ProtocolError struct {
	Method string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Detail)
}
