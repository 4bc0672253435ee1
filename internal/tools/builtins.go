package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RegisterBuiltins adds the built-in call-handling tools. Their bodies are
// acknowledgements: they log the request and return a confirmation for the
// model to speak, leaving the actual CRM or PBX integration to external
// systems consuming the logs.
func RegisterBuiltins(r *Registry) {
	r.Register(Definition{
		Name:        "schedule_demo",
		Description: "Schedule a product demo for the caller.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":           map[string]any{"type": "string", "description": "Caller's full name"},
				"email":          map[string]any{"type": "string", "description": "Caller's email address"},
				"preferred_time": map[string]any{"type": "string", "description": "Preferred demo time"},
			},
			"required": []string{"name", "email"},
		},
	}, scheduleDemo)

	r.Register(Definition{
		Name:        "check_pricing",
		Description: "Look up pricing for a product tier.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tier": map[string]any{"type": "string", "description": "Product tier name"},
			},
			"required": []string{"tier"},
		},
	}, checkPricing)

	r.Register(Definition{
		Name:        "transfer_to_human",
		Description: "Transfer the call to a human agent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string", "description": "Why the caller wants a human"},
			},
		},
	}, transferToHuman)
}

func scheduleDemo(_ context.Context, args string) (string, error) {
	var req struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		PreferredTime string `json:"preferred_time"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", fmt.Errorf("schedule_demo: parse arguments: %w", err)
	}
	if req.Name == "" || req.Email == "" {
		return "", fmt.Errorf("schedule_demo: name and email are required")
	}

	slog.Info("demo requested", "name", req.Name, "email", req.Email, "preferred_time", req.PreferredTime)
	return marshalResult(map[string]string{
		"status":  "scheduled",
		"message": fmt.Sprintf("Demo request for %s recorded; a confirmation will be sent to %s.", req.Name, req.Email),
	})
}

func checkPricing(_ context.Context, args string) (string, error) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", fmt.Errorf("check_pricing: parse arguments: %w", err)
	}

	slog.Info("pricing lookup", "tier", req.Tier)
	return marshalResult(map[string]string{
		"status":  "ok",
		"message": fmt.Sprintf("Pricing details for the %s tier will be emailed after the call; a specialist can walk through numbers live.", req.Tier),
	})
}

func transferToHuman(_ context.Context, args string) (string, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", fmt.Errorf("transfer_to_human: parse arguments: %w", err)
	}

	slog.Info("human transfer requested", "reason", req.Reason)
	return marshalResult(map[string]string{
		"status":  "queued",
		"message": "Transfer request noted; let the caller know an agent will follow up shortly.",
	})
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(out), nil
}
