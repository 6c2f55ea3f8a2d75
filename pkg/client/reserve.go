package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type reserveRequest struct {
	SessionID string `json:"sessionId"`
	AuthKey   string `json:"authKey"`
	ChatMode  string `json:"chatMode"`
}

type reserveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Reserve claims a session id on the relay before the creator connects.
// baseURL is the relay's HTTP origin, e.g. http://localhost:3001.
func Reserve(ctx context.Context, baseURL, sessionID, authKey, chatMode string) error {
	body, err := json.Marshal(reserveRequest{SessionID: sessionID, AuthKey: authKey, ChatMode: chatMode})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/reserve-session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: reservation request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	var parsed reserveResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil || parsed.Error == "" {
		return fmt.Errorf("client: reservation rejected with status %d", res.StatusCode)
	}
	return fmt.Errorf("client: reservation rejected: %s", parsed.Error)
}
