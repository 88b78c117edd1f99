package policy

// AuditOutcome summarizes a non-allow decision for correlation in an
// eventlog.PolicyAuditPayload.
type AuditOutcome string

const (
	OutcomeDenied                  AuditOutcome = "denied"
	OutcomeAllowedWithModification AuditOutcome = "allowed_with_modification"
	OutcomeAllowedWithFlag         AuditOutcome = "allowed_with_flag"
)

// Outcome maps a Decision's action to the outcome vocabulary used in audit
// events.
func (d Decision) Outcome() AuditOutcome {
	switch d.Action {
	case ActionDeny:
		return OutcomeDenied
	case ActionModify:
		return OutcomeAllowedWithModification
	case ActionAllowButFlag:
		return OutcomeAllowedWithFlag
	default:
		return OutcomeAllowedWithFlag
	}
}

// SanitizedReason redacts SSN-like substrings from a reason string before it
// is written to an audit event; reason must never carry raw payload,
// credentials, or PII.
func SanitizedReason(reason string) string {
	sanitized, _ := redactPII(reason)
	return sanitized
}
