package audit

// Audit action names recorded by the engine.
const (
	ActionCertificationsPhased     = "certificationsPhased"
	ActionCertificationItemsPhased = "certificationItemsPhased"

	ActionCertificationsAutoClosed      = "certificationsAutomaticallyClosed"
	ActionCertificationItemsAutoDecided = "certificationItemsAutomaticallyDecided"

	ActionViolationAcknowledged = "violationAcknowledged"
	ActionViolationMitigated    = "violationMitigated"
	ActionViolationRemediated   = "violationRemediated"
	ActionViolationDelegated    = "violationDelegated"

	ActionCertificationSigned = "certificationSigned"
)
