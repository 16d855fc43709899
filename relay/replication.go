package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"notirelay/crypto"
	"notirelay/storage"
)

// notificationPayload is the sealed body of a notification frame. The origin
// device label is not carried on the wire; the receiver tags records with
// the sender's display name.
type notificationPayload struct {
	Key         string `json:"key"`
	PackageName string `json:"package_name"`
	AppName     string `json:"app_name"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
}

// sealRecord encrypts a notification record under a session's pairing
// secret. Returns base64 nonce and ciphertext ready for the wire.
func sealRecord(secret []byte, record storage.Notification) (nonceB64, ciphertextB64 string, err error) {
	payload := notificationPayload{
		Key:         record.Key,
		PackageName: record.PackageName,
		AppName:     record.AppName,
		Title:       record.Title,
		Text:        record.Text,
		Time:        record.Time,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal notification payload: %w", err)
	}

	ciphertext, nonce, err := crypto.Seal(secret, plaintext)
	if err != nil {
		return "", "", fmt.Errorf("seal notification payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ciphertext), nil
}

// openRecord authenticates and decrypts a notification frame body. Any
// failure here is a ProtocolFailure for the session that delivered it.
func openRecord(secret []byte, nonceB64, ciphertextB64 string) (notificationPayload, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return notificationPayload{}, fmt.Errorf("%w: decode nonce: %v", ErrProtocolFailure, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return notificationPayload{}, fmt.Errorf("%w: decode ciphertext: %v", ErrProtocolFailure, err)
	}

	plaintext, err := crypto.Open(secret, nonce, ciphertext)
	if err != nil {
		return notificationPayload{}, fmt.Errorf("%w: open notification payload: %v", ErrProtocolFailure, err)
	}

	var payload notificationPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return notificationPayload{}, fmt.Errorf("%w: decode notification payload: %v", ErrProtocolFailure, err)
	}
	if payload.Key == "" {
		return notificationPayload{}, fmt.Errorf("%w: notification payload missing key", ErrProtocolFailure)
	}
	return payload, nil
}
