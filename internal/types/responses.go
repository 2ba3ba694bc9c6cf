package types

import "encoding/json"

// WSConfigResponse is sent in response to config/get.
// Contains the configuration document with secrets removed.
type WSConfigResponse struct {
	Type   string          `json:"type"` // "config"
	Config json.RawMessage `json:"config"`
}
