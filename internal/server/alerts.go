package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"swarmctl/internal/alerts"
	"swarmctl/internal/orchestrator"
)

func registerAlerts(api huma.API, o *orchestrator.Orchestrator, secret string, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "alert-webhook",
		Method:      http.MethodPost,
		Path:        "/alerts/webhook",
		Summary:     "Ingest a signed alert batch",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Signature string       `header:"X-Alert-Signature"`
		Body      alerts.Batch `json:"body"`
	}) (*struct {
		Body alerts.Summary `json:"body"`
	}, error) {
		if secret == "" {
			logger.Error("alert webhook secret not configured, rejecting batch", "misconfigured", true)
		}
		if err := alerts.VerifySignature(secret, bodyBytes(ctx), input.Signature); err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "bad_signature", err.Error(), nil)
		}
		sum, err := o.Alerts.Process(ctx, input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_batch", err.Error(), nil)
		}
		return &struct {
			Body alerts.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alert-fingerprints",
		Method:      http.MethodGet,
		Path:        "/alerts/fingerprints",
		Summary:     "List tracked alert fingerprints, most recently fired first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FingerprintListResponse `json:"body"`
	}, error) {
		return &struct {
			Body FingerprintListResponse `json:"body"`
		}{Body: FingerprintListResponse{Items: o.Dedup.Entries()}}, nil
	})
}
