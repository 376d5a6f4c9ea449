// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateBlock indicates a block with the same hash already
	// exists in the database.
	ErrDuplicateBlock ErrorCode = iota

	// ErrHighHash indicates the block hash does not fall under the target
	// difficulty claimed by its compact bits.
	ErrHighHash

	// ErrUnknownParent indicates the previous block hash is not present
	// in the database.  The header is an orphan as far as the sliding
	// window is concerned; it is not otherwise invalid.
	ErrUnknownParent

	// ErrBadDiffBits indicates the compact difficulty bits do not match
	// the value required by the retarget rules.
	ErrBadDiffBits

	// ErrTimeTooOld indicates the header timestamp is not strictly
	// greater than the median of the previous eleven headers.
	ErrTimeTooOld
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicateBlock: "ErrDuplicateBlock",
	ErrHighHash:       "ErrHighHash",
	ErrUnknownParent:  "ErrUnknownParent",
	ErrBadDiffBits:    "ErrBadDiffBits",
	ErrTimeTooOld:     "ErrTimeTooOld",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a header failed due to one of the many validation rules.
// The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason for the rule violation.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// IsRuleErrorCode returns whether or not the provided error is a RuleError
// with the provided error code.
func IsRuleErrorCode(err error, c ErrorCode) bool {
	rerr, ok := err.(RuleError)
	return ok && rerr.ErrorCode == c
}

// IsOrphanErr returns whether processing failed only because the header's
// parent is unknown to the database.
func IsOrphanErr(err error) bool {
	return IsRuleErrorCode(err, ErrUnknownParent)
}
