package event

// Outbox topics emitted by the lifecycle engine. Payloads carry denormalized
// document/actor/department context so a notification renderer can act
// without re-querying the engine.
const (
	TopicStatusChanged       = "document.status_changed"
	TopicApprovalRequested   = "approval.requested"
	TopicApprovalApproved    = "approval.approved"
	TopicApprovalRejected    = "approval.rejected"
	TopicDocumentOverdue     = "document.overdue"
	TopicDistributionSent    = "distribution.sent"
	TopicDistributionUpdated = "distribution.updated"
)
