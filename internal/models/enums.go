// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

// RunStatus is the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunPartial   RunStatus = "PARTIAL"
	RunError     RunStatus = "ERROR"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is one of the final states.
func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

// MessageStatus is the lifecycle state of an ingested message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageProcessed MessageStatus = "PROCESSED"
	MessageError     MessageStatus = "ERROR"
	MessageIgnored   MessageStatus = "IGNORED"
	MessageReview    MessageStatus = "REVIEW"
)

// Field identifies which part of a message a rule condition inspects.
type Field string

const (
	FieldSender              Field = "SENDER"
	FieldRecipient           Field = "RECIPIENT"
	FieldSubject             Field = "SUBJECT"
	FieldBody                Field = "BODY"
	FieldAttachmentName      Field = "ATTACHMENT_NAME"
	FieldAttachmentType      Field = "ATTACHMENT_TYPE"
	FieldAttachmentTotalSize Field = "ATTACHMENT_TOTAL_SIZE"
	FieldHasAttachments      Field = "HAS_ATTACHMENTS"
	FieldReceivedAt          Field = "RECEIVED_AT"
)

// Operator is the comparison a condition applies to an extracted field.
type Operator string

const (
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpStartsWith  Operator = "STARTS_WITH"
	OpEndsWith    Operator = "ENDS_WITH"
	OpRegex       Operator = "REGEX"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpIsTrue      Operator = "IS_TRUE"
	OpIsFalse     Operator = "IS_FALSE"
)

// ActionType is what happens to a message when a rule matches it.
type ActionType string

const (
	ActionProcess       ActionType = "PROCESS"
	ActionIgnore        ActionType = "IGNORE"
	ActionFlagForReview ActionType = "FLAG_FOR_REVIEW"
	ActionTag           ActionType = "TAG"
	ActionSetPriority   ActionType = "SET_PRIORITY"
	ActionNotify        ActionType = "NOTIFY"
)

// LogicalOp combines the child conditions of a composite rule.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// Protocol selects the mail source adapter for a tenant mailbox.
type Protocol string

const (
	ProtocolIMAP  Protocol = "imap"
	ProtocolPOP3  Protocol = "pop3"
	ProtocolGmail Protocol = "gmail"
)

// ActivityEvent classifies an entry in the activity log.
type ActivityEvent string

const (
	EventServiceStarted     ActivityEvent = "SERVICE_STARTED"
	EventServiceStopped     ActivityEvent = "SERVICE_STOPPED"
	EventRuleCreated        ActivityEvent = "RULE_CREATED"
	EventRuleUpdated        ActivityEvent = "RULE_UPDATED"
	EventRuleDeleted        ActivityEvent = "RULE_DELETED"
	EventManualRunRequested ActivityEvent = "MANUAL_RUN_REQUESTED"
	EventIntervalChanged    ActivityEvent = "INTERVAL_CHANGED"
	EventCredentialsInvalid ActivityEvent = "CREDENTIALS_INVALID"
	EventRunCompleted       ActivityEvent = "RUN_COMPLETED"
	EventRunFailed          ActivityEvent = "RUN_FAILED"
	EventRunCancelled       ActivityEvent = "RUN_CANCELLED"
)
