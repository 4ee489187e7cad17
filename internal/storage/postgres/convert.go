package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/codexec/internal/security"
)

func toExecutionModel(event security.AuditEvent) ExecutionModel {
	violations, _ := json.Marshal(event.Violations)
	if event.Violations == nil {
		violations = []byte("[]")
	}
	return ExecutionModel{
		ID:          uuid.New(),
		ExecutionID: event.ExecutionID,
		UserID:      event.UserID,
		Action:      event.Action,
		Result:      event.Result,
		ErrorKind:   event.ErrorKind,
		Error:       event.Error,
		CodeSHA256:  event.CodeSHA256,
		Violations:  JSONB(violations),
		Policy:      event.Policy,
		Target:      event.Target,
		ToolCalls:   event.ToolCalls,
		DurationMS:  event.DurationMS,
		CreatedAt:   event.Timestamp,
	}
}

func toAuditDomain(m *ExecutionModel) security.AuditEvent {
	var violations []security.Violation
	if len(m.Violations) > 0 {
		_ = json.Unmarshal(m.Violations, &violations)
	}
	return security.AuditEvent{
		Timestamp:   m.CreatedAt,
		ExecutionID: m.ExecutionID,
		UserID:      m.UserID,
		Action:      m.Action,
		Result:      m.Result,
		ErrorKind:   m.ErrorKind,
		Error:       m.Error,
		CodeSHA256:  m.CodeSHA256,
		Violations:  violations,
		Policy:      m.Policy,
		Target:      m.Target,
		ToolCalls:   m.ToolCalls,
		DurationMS:  m.DurationMS,
	}
}
