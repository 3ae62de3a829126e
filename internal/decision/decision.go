package decision

import (
	"errors"
	"fmt"
)

// Code is the result reported to the block-assembly host for one evaluation.
type Code int

const (
	Success                          Code = 0
	NullInput                        Code = -1
	InvalidBundle                    Code = -2
	InsufficientFee                  Code = -4
	InvalidState                     Code = -5
	OracleStalePrice                 Code = -100
	OracleNetworkFailure             Code = -102
	OracleMissingPrice               Code = -104
	InstitutionalComplianceViolation Code = -200
	InstitutionalRiskLimitExceeded   Code = -201
)

var codeNames = map[Code]string{
	Success:                          "success",
	NullInput:                        "null_input",
	InvalidBundle:                    "invalid_bundle",
	InsufficientFee:                  "insufficient_fee",
	InvalidState:                     "invalid_state",
	OracleStalePrice:                 "oracle_stale_price",
	OracleNetworkFailure:             "oracle_network_failure",
	OracleMissingPrice:               "oracle_missing_price",
	InstitutionalComplianceViolation: "institutional_compliance_violation",
	InstitutionalRiskLimitExceeded:   "institutional_risk_limit_exceeded",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// OK reports whether the code admits the bundle.
func (c Code) OK() bool { return c == Success }

// Retriable reports whether resubmitting the same bundle later may succeed.
func (c Code) Retriable() bool {
	switch c {
	case InsufficientFee, OracleStalePrice, OracleMissingPrice, OracleNetworkFailure:
		return true
	}
	return false
}

// Reason is the fine-grained cause behind a rejection.
type Reason string

const (
	ReasonNullInput           Reason = "null_input"
	ReasonNullData            Reason = "null_data"
	ReasonEmptyBundle         Reason = "empty_bundle"
	ReasonInvalidSlot         Reason = "invalid_slot"
	ReasonTimestampOutOfRange Reason = "timestamp_out_of_range"
	ReasonInvalidLeader       Reason = "invalid_leader"
	ReasonInvalidAttestation  Reason = "invalid_attestation"
	ReasonInvalidSignatures   Reason = "invalid_signatures"
	ReasonInvalidMessage      Reason = "invalid_message"
	ReasonInvalidComputeLimit Reason = "invalid_compute_limit"
	ReasonBundleTooLarge      Reason = "bundle_too_large"
	ReasonOracleDensity       Reason = "too_many_oracle_instructions"
	ReasonInternalPanic       Reason = "internal_panic"

	ReasonInsufficientFee       Reason = "insufficient_fee"
	ReasonInstitutionalFeeFloor Reason = "institutional_fee_floor"

	ReasonOracleMissingPrice   Reason = "oracle_missing_price"
	ReasonOracleStalePrice     Reason = "oracle_stale_price"
	ReasonLowConfidence        Reason = "low_confidence"
	ReasonOracleNetworkFailure Reason = "oracle_network_failure"

	ReasonComplianceLimit Reason = "institutional_compliance_limit"
	ReasonRiskLimit       Reason = "institutional_risk_limit"

	ReasonStateUnavailable Reason = "state_unavailable"
)

var reasonCodes = map[Reason]Code{
	ReasonNullInput:           NullInput,
	ReasonNullData:            InvalidBundle,
	ReasonEmptyBundle:         InvalidBundle,
	ReasonInvalidSlot:         InvalidBundle,
	ReasonTimestampOutOfRange: InvalidBundle,
	ReasonInvalidLeader:       InvalidBundle,
	ReasonInvalidAttestation:  InvalidBundle,
	ReasonInvalidSignatures:   InvalidBundle,
	ReasonInvalidMessage:      InvalidBundle,
	ReasonInvalidComputeLimit: InvalidBundle,
	ReasonBundleTooLarge:      InvalidBundle,
	ReasonOracleDensity:       InvalidBundle,
	ReasonInternalPanic:       InvalidBundle,

	ReasonInsufficientFee:       InsufficientFee,
	ReasonInstitutionalFeeFloor: InsufficientFee,

	ReasonOracleMissingPrice:   OracleMissingPrice,
	ReasonOracleStalePrice:     OracleStalePrice,
	ReasonLowConfidence:        OracleStalePrice,
	ReasonOracleNetworkFailure: OracleNetworkFailure,

	ReasonComplianceLimit: InstitutionalComplianceViolation,
	ReasonRiskLimit:       InstitutionalRiskLimitExceeded,

	ReasonStateUnavailable: InvalidState,
}

// Code maps the reason onto the closed set of host result codes.
func (r Reason) Code() Code {
	if c, ok := reasonCodes[r]; ok {
		return c
	}
	return InvalidBundle
}

// Rejection is returned by every stage that refuses a bundle.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

// Reject builds a rejection with a formatted detail message.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a rejection carrying an underlying cause.
func Wrap(reason Reason, err error, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail, Err: err}
}

func (r *Rejection) Error() string {
	msg := string(r.Reason)
	if r.Detail != "" {
		msg += ": " + r.Detail
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error { return r.Err }

// Code returns the host result code for the rejection.
func (r *Rejection) Code() Code { return r.Reason.Code() }

// CodeOf converts an evaluation error into a result code.
// Errors that are not rejections are internal failures.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Code()
	}
	return InvalidState
}

// ReasonOf extracts the rejection reason, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
