//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the client's fault,
// and they return HTTP Status 400, 404 or 409, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX.
// If you notice there's a gap, DON'T fill it in, that code was used in the past and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound    = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody       = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedBallotID   = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed ballot ID")}
	ErrBallotNotFound      = Error{Code: 40004, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("ballot not found")}
	ErrInvalidBallot       = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid ballot")}
	ErrVoterNotOnRoll      = Error{Code: 40006, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("voter not on the electoral roll")}
	ErrVoterAlreadyVoted   = Error{Code: 40007, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("voter already voted")}
	ErrMalformedParam      = Error{Code: 40008, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrUnknownConfirmState = Error{Code: 40009, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("unknown confirmation status")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrPersistence                = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("durable storage refused the operation")}
	ErrQueueSaturated             = Error{Code: 50004, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("delivery queue is full")}
)
