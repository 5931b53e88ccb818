package model

import "errors"

var (
	ErrInvalidSpec        = errors.New("invalid spec")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidState       = errors.New("invalid state")
	ErrProcessFailure     = errors.New("process failure")
	ErrSourceQueryFailure = errors.New("source query failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)

type Kind string

const (
	KindInvalidSpec        Kind = "InvalidSpec"
	KindNotFound           Kind = "NotFound"
	KindAlreadyExists      Kind = "AlreadyExists"
	KindInvalidState       Kind = "InvalidState"
	KindProcessFailure     Kind = "ProcessFailure"
	KindSourceQueryFailure Kind = "SourceQueryFailure"
	KindPersistenceFailure Kind = "PersistenceFailure"
	KindInternal           Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidSpec, KindInvalidSpec},
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInvalidState, KindInvalidState},
	{ErrProcessFailure, KindProcessFailure},
	{ErrSourceQueryFailure, KindSourceQueryFailure},
	{ErrPersistenceFailure, KindPersistenceFailure},
}

// KindOf maps err to the first matching error kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
