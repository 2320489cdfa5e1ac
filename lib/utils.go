package lib

import (
	"os"
)

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo
}

// SEQ compare functions with SEQ wraparound in mind (RFC 1982 serial arithmetic)
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqDiff returns seq1-seq2 as a signed distance.
func seqDiff(seq1, seq2 uint32) int {
	return int(int32(seq1 - seq2))
}

// TimeoutError is returned when a blocking call's timeout elapses.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

func (e *TimeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
