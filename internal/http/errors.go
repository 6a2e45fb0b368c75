package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Códigos numéricos de error de la API.
// 11xx request, 12xx sesión, 13xx dominio, 14xx rate limit, 15xx servidor.
const (
	CodeInvalidRequest   = 1101
	CodeInvalidJSON      = 1102
	CodeInvalidSession   = 1201
	CodeCodeInvalid      = 1301
	CodeCodeExpired      = 1302
	CodeCodeUsed         = 1303
	CodeContextExpired   = 1310
	CodeContextConsumed  = 1311
	CodeUnknownOperation = 1320
	CodeRateLimited      = 1401
	CodeInternal         = 1500
	CodeStoreUnavailable = 1503
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        int    `json:"error_code,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, desc string, errCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		ErrorCode:        errCode,
		RequestID:        rid,
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON: decodifica JSON de forma tolerante (NO falla por campos desconocidos).
// Valida Content-Type y limita el tamaño del body a 1MB.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		WriteError(w, http.StatusBadRequest, "invalid_json", "Content-Type debe ser application/json", CodeInvalidJSON)
		return false
	}
	// máx 1MB
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "invalid_json", "json inválido", CodeInvalidJSON)
		return false
	}
	return true
}
