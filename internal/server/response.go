package server

import (
	"encoding/json"
	"net/http"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	httpResponseJSON(w, responseMessage{Message: msg}, code)
}

func httpResponseJSON(w http.ResponseWriter, body any, code int) {
	v, _ := json.Marshal(body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v)
}
