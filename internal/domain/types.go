package domain

import "time"

// InboxItem is one mail thread or chat message as seen by triage.
// It is produced by source adapters and never mutated by the core.
type InboxItem struct {
	Source    Source
	AccountID string
	ItemID    string
	Sender    string
	Subject   string
	Preview   string
	Unread    bool
	Timestamp time.Time
}

// EntityType returns the proposal entity type for the item.
func (i InboxItem) EntityType() EntityType {
	return EntityTypeFor(i.Source)
}

// Key identifies the item across accounts. Mail UIDs are only unique per
// mailbox, so the account is part of the key.
func (i InboxItem) Key() string {
	if i.AccountID == "" {
		return i.ItemID
	}
	return i.AccountID + "/" + i.ItemID
}

// Proposal is a recommendation to perform one action on one entity.
type Proposal struct {
	ID             string
	EntityType     EntityType
	EntityID       string
	Action         Action
	AgentReasoning string
	AccountHint    string
	Sender         string
	Status         Status
	ProposedAt     time.Time
	ApprovedAt     *time.Time
	ApprovedBy     Approver
	UserReasoning  string
	RejectedAt     *time.Time
	Correction     string
	ExecutedAt     *time.Time
}

// ShortID is the display form of a proposal id.
func (p Proposal) ShortID() string {
	if len(p.ID) > 8 {
		return p.ID[:8]
	}
	return p.ID
}

// DecisionRecord is one terminal decision read back from the audit log.
type DecisionRecord struct {
	ProposedAction Action
	UserDecision   Decision
	Correction     string
	Metadata       map[string]any
}

// SnoozeEntry defers an entity from triage until SnoozeUntil.
type SnoozeEntry struct {
	ID           string
	EntityType   EntityType
	EntityID     string
	SourceID     string
	SnoozeUntil  time.Time
	Reason       string
	ResurfacedAt *time.Time
	CreatedAt    time.Time
}
