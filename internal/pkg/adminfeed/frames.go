package adminfeed

import (
	"bytes"
	"encoding/json"

	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
)

func isRequestFrame(data []byte) bool {
	if !bytes.Contains(data, []byte(notification.FrameRequest)) {
		return false
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Type == notification.FrameRequest
}
