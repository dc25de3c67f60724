package domain

import (
	"fmt"
	"strings"
)

// Source is where an inbox item came from.
type Source string

const (
	SourceMail Source = "mail"
	SourceChat Source = "chat"
)

// EntityType identifies what a proposal acts on.
type EntityType string

const (
	EntityThread      EntityType = "thread"
	EntityMessage     EntityType = "message"
	EntityChatMessage EntityType = "chat-message"
	EntityDraft       EntityType = "draft"
)

// Action is a proposed operation on an entity.
type Action string

const (
	ActionArchive    Action = "archive"
	ActionUnarchive  Action = "unarchive"
	ActionDelete     Action = "delete"
	ActionUndelete   Action = "undelete"
	ActionFlag       Action = "flag"
	ActionUnflag     Action = "unflag"
	ActionMarkRead   Action = "mark_read"
	ActionMarkUnread Action = "mark_unread"
	ActionIgnore     Action = "ignore"
	ActionSend       Action = "send"
	ActionDiscard    Action = "discard"
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Approver records who approved a proposal.
type Approver string

const (
	ApprovedByUser Approver = "user"
	ApprovedByAuto Approver = "auto"
)

// Decision is the kind of terminal decision recorded in the audit log.
type Decision string

const (
	DecisionApproved               Decision = "approved"
	DecisionRejected               Decision = "rejected"
	DecisionRejectedWithCorrection Decision = "rejected_with_correction"
	DecisionAutoApproved           Decision = "auto_approved"
)

// Actions returns the legal actions for t, or nil for an unknown type.
func (t EntityType) Actions() []Action {
	switch t {
	case EntityThread:
		return []Action{ActionArchive, ActionDelete, ActionFlag, ActionUnflag, ActionUnarchive, ActionUndelete}
	case EntityMessage:
		return []Action{ActionArchive, ActionDelete, ActionFlag, ActionUnflag, ActionMarkRead, ActionMarkUnread}
	case EntityChatMessage:
		return []Action{ActionMarkRead, ActionFlag, ActionIgnore}
	case EntityDraft:
		return []Action{ActionSend, ActionDiscard}
	}
	return nil
}

// Allows reports whether a is legal for t.
func (t EntityType) Allows(a Action) bool {
	for _, legal := range t.Actions() {
		if legal == a {
			return true
		}
	}
	return false
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t.Actions() != nil
}

// ParseEntityType normalizes s into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if t == "chat_message" {
		t = EntityChatMessage
	}
	if !t.Valid() {
		return "", NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", s))
	}
	return t, nil
}

var knownActions = []Action{
	ActionArchive, ActionUnarchive, ActionDelete, ActionUndelete, ActionFlag, ActionUnflag,
	ActionMarkRead, ActionMarkUnread, ActionIgnore, ActionSend, ActionDiscard,
}

// ParseAction normalizes s into an Action. "mark-read" and "mark_read" are equivalent.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range knownActions {
		if a == known {
			return a, nil
		}
	}
	return "", NewValidationError("action", fmt.Sprintf("unknown action %q", s))
}

// ParseStatus normalizes s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted:
		return st, nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown status %q", s))
}

// EntityTypeFor maps an inbox source to the entity type proposals use for it.
// Mail sources address single messages by UID.
func EntityTypeFor(src Source) EntityType {
	if src == SourceChat {
		return EntityChatMessage
	}
	return EntityMessage
}
