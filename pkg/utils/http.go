package utils

import (
	"encoding/json"
	"net/http"

	"autochat/pkg/models"
)

// JSONFail writes an envelope response with success=false and the given
// status code.
func JSONFail(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.Envelope{Success: false, Message: message})
}

// JSONOK marshals v into the envelope data field and writes it with
// success=true.
func JSONOK(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = b
	}
	return json.NewEncoder(w).Encode(models.Envelope{Success: true, Data: data})
}
