package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Courier/internal/models"
)

// maxBodyBytes bounds request bodies; envelopes carry ciphertext, so this is generous.
const maxBodyBytes = 4 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// isValidationError reports whether err is a request validation failure from models.
func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyEnvelopeID,
		models.ErrEmptySource,
		models.ErrEmptyRecipient,
		models.ErrEmptyMessage,
		models.ErrBodyTooLong,
		models.ErrTooManyAttachments,
		models.ErrEmptyAttachment,
		models.ErrRecipientAndGroup,
		models.ErrUnknownGroup,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
