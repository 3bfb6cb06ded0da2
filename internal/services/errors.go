// Package services holds the feed's application logic: post submission
// (validate, redact, persist, broadcast), feed reads, replies, reactions,
// channels, search, and automatic posts from operation records.
//
// This file centralizes service-level error values so that callers can
// branch on them with errors.Is. Translation into HTTP status codes is done
// by the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	// ErrNotFound is the class of every "does not exist" error below.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is the class of every validation error below.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is returned when a reader may not see a private channel.
	ErrForbidden = errors.New("forbidden")

	// ErrPersistence wraps store failures. A post that fails with it was not
	// broadcast.
	ErrPersistence = errors.New("persistence failure")
)

var (
	ErrPostNotFound    = fmt.Errorf("post %w", ErrNotFound)
	ErrChannelNotFound = fmt.Errorf("channel %w", ErrNotFound)

	ErrEmptyContent       = fmt.Errorf("%w: content is empty", ErrInvalidInput)
	ErrContentTooLong     = fmt.Errorf("%w: content too long", ErrInvalidInput)
	ErrInvalidPostType    = fmt.Errorf("%w: unknown post_type", ErrInvalidInput)
	ErrInvalidSender      = fmt.Errorf("%w: sender_id is required", ErrInvalidInput)
	ErrInvalidChannelName = fmt.Errorf("%w: channel name is required", ErrInvalidInput)
	ErrInvalidReaction    = fmt.Errorf("%w: reaction kind is required", ErrInvalidInput)
	ErrInvalidMemberKind  = fmt.Errorf("%w: member kind must be agent or user", ErrInvalidInput)
	ErrInvalidOperation   = fmt.Errorf("%w: source_id and operation_type are required", ErrInvalidInput)
	ErrInvalidCategory    = fmt.Errorf("%w: category too long", ErrInvalidInput)
)

// errKeyTaken aborts a post whose idempotency key was claimed by a
// concurrent submission; CreatePost answers with that submission's post.
var errKeyTaken = errors.New("idempotency key taken")

// persistence wraps a store error so both the class and the cause match errors.Is.
func persistence(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
