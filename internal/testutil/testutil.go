// Package testutil provides fixtures and HTTP helpers shared by StrideCoach tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
)

// FinishedSession builds an ended session of the given length starting at start.
func FinishedSession(id, userID string, start time.Time, distanceMeters float64, seconds int64) models.WorkoutSession {
	end := start.Add(time.Duration(seconds) * time.Second)
	return models.WorkoutSession{
		ID:              id,
		UserID:          userID,
		StartTime:       start,
		EndTime:         &end,
		DurationSeconds: seconds,
		DistanceMeters:  distanceMeters,
		CreatedAt:       start,
	}
}

// Envelope is the decoded form of models.APIResponse with the result left raw.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Serve sends a request with an optional raw JSON body through h.
func Serve(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// DecodeEnvelope decodes the response envelope and fails the test on malformed JSON.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if rr.Body.Len() == 0 {
		return env
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return env
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %s: %v", data, err)
	}
}
