package engine

import "github.com/pkg/errors"

var (
	// ErrAlreadyJoined signals a duplicate discover inside the TTL window.
	ErrAlreadyJoined = errors.New("engine: chat already joined recently")

	// ErrMaxChats signals that a session is at its join cap.
	ErrMaxChats = errors.New("engine: session is at its chat cap")

	// errServicePeer marks a resolve of the network's own service account,
	// which is never crawled.
	errServicePeer = errors.New("engine: service peer")
)
