package bid_api

import (
	"net/http"

	"ms-auction/internal/apperr"
	"ms-auction/internal/bidding"
)

// statusFor maps the ledger error taxonomy onto HTTP. A self-bid is a bad request, any
// other permission failure is forbidden.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput, apperr.KindInvalidBid, apperr.KindInvalidState:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		if apperr.ReasonOf(err) == bidding.ReasonSelfBid {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuthFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Request rejected"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not found"
	case http.StatusUnauthorized:
		return "Unauthorized"
	default:
		return "Internal server error"
	}
}
