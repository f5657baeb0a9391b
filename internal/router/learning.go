package router

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// correctionMarkers open a user message that contradicts the assistant
// message before it. The heuristic deliberately over-triggers; the emitted
// signal is advisory and never influences the execution plan.
var correctionMarkers = []string{
	"no,", "no ", "not ", "wrong", "that's wrong", "that is wrong",
	"actually", "instead", "incorrect",
}

// detectCorrection publishes a learning.signal event when the last user
// message immediately follows an assistant message it appears to contradict.
func (r *Router) detectCorrection(requestID string, req *models.ChatRequest) {
	if r.bus == nil || len(req.Messages) < 2 {
		return
	}

	last := req.Messages[len(req.Messages)-1]
	prior := req.Messages[len(req.Messages)-2]
	if last.Role != models.RoleUser || prior.Role != models.RoleAssistant {
		return
	}

	lowered := strings.ToLower(strings.TrimSpace(last.Content))
	for _, marker := range correctionMarkers {
		if strings.HasPrefix(lowered, marker) {
			r.bus.Publish(models.Event{
				Type:      models.EventLearningSignal,
				RequestID: requestID,
				Learning: &models.LearningEventPayload{
					Pattern:   marker,
					UserText:  last.Content,
					PriorText: prior.Content,
				},
			})
			return
		}
	}
}
