package state

import "errors"

var (
	ErrTooLong           = errors.New("payload exceeds packet capacity")
	ErrReplayed          = errors.New("packet replayed")
	ErrReplayedBroadcast = errors.New("broadcast packet replayed")
	ErrEncryption        = errors.New("encryption failed")
	ErrVerification      = errors.New("mac verification failed")
	ErrNotAvailable      = errors.New("pairwise key not available")
	ErrOverflow          = errors.New("sequence number exhausted")
	ErrNoRoute           = errors.New("no route to destination")
	ErrNotBaseStation    = errors.New("operation is restricted to the base station")
	ErrWrongVersion      = errors.New("stale key transfer")

	ErrInvalidNode      = errors.New("invalid node id")
	ErrQueueFull        = errors.New("queue is full")
	ErrLocalDestination = errors.New("destination is this node")
	ErrMalformed        = errors.New("malformed packet")
	ErrStalled          = errors.New("processing context stalled")
)
