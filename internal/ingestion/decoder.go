package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/models"
)

// Epoch timestamps must fall in years 0000 through 9999, the range an
// RFC 3339 time can be written in.
var (
	minEpochMillis = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxEpochMillis = time.Date(9999, time.December, 31, 23, 59, 59, 999_000_000, time.UTC).UnixMilli()
)

// Decode parses a broker body into a validated envelope. Every failure is a
// DECODE_ERROR; when the body was a JSON object with a readable id, the id
// is attached as the "id" detail.
func Decode(raw []byte) (*models.MessageEnvelope, error) {
	if !utf8.Valid(raw) {
		return nil, decodeError("body is not valid UTF-8", "", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		if json.Valid(raw) {
			return nil, decodeError("body is not a JSON object", "", err)
		}
		return nil, decodeError("body is not valid JSON", "", err)
	}
	if fields == nil {
		return nil, decodeError("body is not a JSON object", "", nil)
	}

	id, err := stringField(fields, "id")
	if err != nil {
		return nil, decodeError(err.Error(), "", nil).WithDetail("field", "id")
	}
	env := &models.MessageEnvelope{ID: id}

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"name", &env.Name},
		{"email", &env.Email},
		{"content", &env.Content},
	} {
		v, err := stringField(fields, f.name)
		if err != nil {
			return nil, decodeError(err.Error(), env.ID, nil).WithDetail("field", f.name)
		}
		*f.dst = v
	}

	ts, err := timestampField(fields, "timestamp")
	if err != nil {
		return nil, decodeError(err.Error(), env.ID, nil).WithDetail("field", "timestamp")
	}
	env.Timestamp = ts

	metadata, err := metadataField(fields, "metadata")
	if err != nil {
		return nil, decodeError(err.Error(), env.ID, nil).WithDetail("field", "metadata")
	}
	env.Metadata = metadata

	if err := models.ValidateMessageEnvelope(env); err != nil {
		appErr := decodeError(err.Error(), env.ID, err)
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			appErr = appErr.WithDetail("field", ve.Field)
		}
		return nil, appErr
	}

	return env, nil
}

// Encode renders env in the wire format Decode accepts. The round trip
// preserves the timestamp instant but not its zone, since Decode returns
// UTC, and JSON numbers in metadata come back as float64.
func Encode(env *models.MessageEnvelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	return json.Marshal(env)
}

func decodeError(message, id string, cause error) *apperrors.Error {
	err := apperrors.ErrDecode.WithMessage(message)
	if cause != nil {
		err = err.WithCause(cause)
	}
	if id != "" {
		err = err.WithDetail("id", id)
	}
	return err
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stringField returns "" for absent or null fields and leaves the
// emptiness check to envelope validation.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return s, nil
}

// timestampField accepts an RFC 3339 string or epoch milliseconds and
// normalizes to UTC.
func timestampField(fields map[string]json.RawMessage, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s must be an RFC 3339 time", name)
		}
		return t.UTC(), nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 string or epoch milliseconds", name)
	}
	if ms, err := n.Int64(); err == nil {
		if ms < minEpochMillis || ms > maxEpochMillis {
			return time.Time{}, fmt.Errorf("%s is out of range", name)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	f, err := n.Float64()
	if err != nil || f < float64(minEpochMillis) || f > float64(maxEpochMillis) {
		return time.Time{}, fmt.Errorf("%s is out of range", name)
	}
	if f != math.Trunc(f) {
		return time.Time{}, fmt.Errorf("%s must be whole epoch milliseconds", name)
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

func metadataField(fields map[string]json.RawMessage, name string) (map[string]interface{}, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return m, nil
}
