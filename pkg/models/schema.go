package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateMessageEnvelope checks presence of the required fields only;
// metadata is never inspected.
func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "message envelope cannot be nil",
		}
	}

	required := []struct {
		field string
		value string
	}{
		{"id", msg.ID},
		{"name", msg.Name},
		{"email", msg.Email},
		{"content", msg.Content},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{
				Field:   r.field,
				Message: r.field + " is required",
			}
		}
	}

	if msg.Timestamp.IsZero() {
		return &ValidationError{
			Field:   "timestamp",
			Message: "timestamp is required",
		}
	}

	return nil
}
