package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petrijr/fluxrun/pkg/api"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error         string   `json:"error"`
	Detail        string   `json:"detail"`
	Code          string   `json:"code,omitempty"`
	ValidStatuses []string `json:"valid_statuses,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

// decodeJSON reads a single JSON object from the request body into dst.
// An empty body is accepted when optional is set and leaves dst untouched.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single json object")
	}
	return nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind api.ErrorKind) int {
	switch kind {
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindConflictingState, api.KindDuplicateKey:
		return http.StatusConflict
	case api.KindInvalidInput:
		return http.StatusBadRequest
	case api.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the client-facing body for err. Store and internal
// failures are reported without their cause.
func errorBody(err error) errorResponse {
	kind := api.KindOf(err)
	body := errorResponse{Error: kind.String()}

	var e *api.Error
	if !errors.As(err, &e) {
		body.Error = "internal"
		body.Detail = "Internal server error."
		return body
	}
	body.Code = e.Code

	switch kind {
	case api.KindNotFound:
		body.Detail = "Run not found."
	case api.KindConflictingState:
		body.Detail = conflictDetail(e)
	case api.KindStoreUnavailable:
		body.Detail = "Run store is unavailable."
	case api.KindInvalidInput:
		body.Detail = e.Msg
		if body.Detail == "" {
			body.Detail = e.Error()
		}
	default:
		body.Detail = e.Error()
	}
	return body
}

func conflictDetail(e *api.Error) string {
	switch e.Op {
	case "pause":
		return fmt.Sprintf("Cannot pause run in status '%s'.", e.Current)
	case "resume":
		return fmt.Sprintf("Cannot resume run in status '%s'.", e.Current)
	case "receive_approval":
		return fmt.Sprintf("Run is not awaiting approval (status: %s).", e.Current)
	default:
		return e.Error()
	}
}

func invalidInput(op, msg string) error {
	return &api.Error{Kind: api.KindInvalidInput, Op: op, Msg: msg}
}
