package gateway

import "github.com/gobwas/ws"

// Close codes on the wire. The 1xxx range is protocol-standard; 4xxx
// is application-defined.
const (
	CloseNormal          = ws.StatusNormalClosure
	CloseGoingAway       = ws.StatusGoingAway
	CloseUnsupportedData = ws.StatusUnsupportedData
	ClosePolicyViolation = ws.StatusPolicyViolation
	CloseInternalError   = ws.StatusInternalServerError

	CloseUnauthorized        = ws.StatusCode(4001)
	CloseForbidden           = ws.StatusCode(4003)
	CloseInvalidMessage      = ws.StatusCode(4004)
	CloseSubscriptionFailure = ws.StatusCode(4022)
	CloseNotFound            = ws.StatusCode(4044)
)
