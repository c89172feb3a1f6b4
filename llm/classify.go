package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
)

var (
	// ErrInvalidResponse marks a reply that could not be parsed; the executor
	// moves to the next model.
	ErrInvalidResponse = errors.New("invalid model response")
	// ErrKeysExhausted is returned when one model ran out of attempts.
	ErrKeysExhausted = errors.New("all API keys exhausted")
	// ErrModelsExhausted is returned when every model in the list failed.
	ErrModelsExhausted = errors.New("all models failed")
)

// Class is how the executor treats a failed attempt.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
	ClassNetwork
	ClassBlocked
	ClassInvalidKey
	ClassBadResponse
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNetwork:
		return "network"
	case ClassBlocked:
		return "blocked"
	case ClassInvalidKey:
		return "invalid_key"
	case ClassBadResponse:
		return "bad_response"
	}
	return "fatal"
}

var (
	networkSignals   = []string{"fetch failed", "econnreset", "etimedout", "enotfound", "network error", "connection reset", "connection refused", "no such host", "timeout", "unexpected eof"}
	transientSignals = []string{"429", "quota", "too many requests", "503", "overloaded", "exhausted", "resourceexhausted", "unavailable"}
	blockedSignals   = []string{"403", "forbidden", "location", "permissiondenied"}
	invalidSignals   = []string{"api_key_invalid", "401", "unauthenticated", "api key not valid"}
)

type httpCoder interface{ HTTPCode() int }

// Classify maps a provider error to a Class. HTTP status codes win over
// message signatures.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrInvalidResponse) {
		return ClassBadResponse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	code := 0
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		code = gerr.Code
	} else {
		var hc httpCoder
		if errors.As(err, &hc) {
			code = hc.HTTPCode()
		}
	}
	switch code {
	case 429, 503:
		return ClassTransient
	case 403:
		return ClassBlocked
	case 401:
		return ClassInvalidKey
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, networkSignals):
		return ClassNetwork
	case containsAny(msg, transientSignals):
		return ClassTransient
	case containsAny(msg, blockedSignals):
		return ClassBlocked
	case containsAny(msg, invalidSignals):
		return ClassInvalidKey
	}
	return ClassFatal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
