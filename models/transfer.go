package models

// TransferRecord is one entry in a host application's transfer history.
type TransferRecord struct {
	TransferID       string `json:"transfer_id"`
	SessionID        string `json:"session_id"`
	PeerConnectionID string `json:"peer_connection_id"`
	Filename         string `json:"filename"`
	Filesize         int64  `json:"filesize"`
	Direction        string `json:"direction"`
	Status           string `json:"status"`
	StoredPath       string `json:"stored_path"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at"`
}
