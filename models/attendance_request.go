package models

// Position is a geolocation fix as reported by the browser.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix milliseconds
}

// SensorErrorReport carries a GeolocationPositionError. Code is the W3C
// numeric code ("1", "2", "3") or its name.
type SensorErrorReport struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionRequest struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

type LocateRequest struct {
	GeolocationSupported bool               `json:"geolocation_supported"`
	Position             *Position          `json:"position,omitempty"`
	SensorError          *SensorErrorReport `json:"sensor_error,omitempty"`
}

type VerifyLocationRequest struct {
	SessionId            string             `json:"session_id"`
	Nonce                string             `json:"nonce"`
	GeolocationSupported bool               `json:"geolocation_supported"`
	Position             *Position          `json:"position,omitempty"`
	SensorError          *SensorErrorReport `json:"sensor_error,omitempty"`
}

type CameraAnswerRequest struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
	Granted   bool   `json:"granted"`
}

type CaptureFaceRequest struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
	Frame     string `json:"frame,omitempty"` // base64 still, optional for the simulated strategy
}
