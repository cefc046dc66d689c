// Package gateway builds LIS payloads from domain state, sends them
// through the resilient client, and persists returned external
// references. It mutates no other local state; callers transition
// statuses once a call succeeds.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genodx/lis-sync/config"
	"github.com/genodx/lis-sync/filestore"
	"github.com/genodx/lis-sync/lisclient"
	"github.com/genodx/lis-sync/repository/models"
)

// ApiClient is the slice of the resilient client the gateway uses.
type ApiClient interface {
	Get(ctx context.Context, url string) (*lisclient.Response, error)
	Post(ctx context.Context, url, contentType string, body []byte) (*lisclient.Response, error)
}

// ReferenceStore persists external references handed back by the LIS.
type ReferenceStore interface {
	// PersistOrderMaterialServerID is write-once: persisting an equal id
	// again is a no-op, a differing id is a conflict.
	PersistOrderMaterialServerID(ctx context.Context, orderMaterialID string, serverID int64) error
}

// ValidationError reports a failed local precondition. No network call
// was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// EventKind classifies gateway outcomes for the notifier collaborator.
type EventKind string

const (
	EventCollectRequestSent   EventKind = "collect_request.sent"
	EventCollectRequestFailed EventKind = "collect_request.failed"
	EventOrderMaterialSynced  EventKind = "order_material.synced"
	EventOrderMaterialFailed  EventKind = "order_material.failed"
)

// Event is a domain event produced by a sync call. Events carry a single
// recipient; fan-out is the notifier's concern.
type Event struct {
	Kind    EventKind
	Subject string // id of the synced record
	UserID  string // recipient
	Detail  string
}

// Gateway synchronizes local records with the LIS.
type Gateway struct {
	api   ApiClient
	store ReferenceStore
	files filestore.Reader
	cfg   *config.Config
}

// New builds a gateway.
func New(api ApiClient, store ReferenceStore, files filestore.Reader, cfg *config.Config) *Gateway {
	return &Gateway{api: api, store: store, files: files, cfg: cfg}
}

// SendOrderMaterial validates local preconditions, pushes the container
// request to the LIS, and persists the returned external id. The first
// failed precondition aborts with zero network calls.
func (g *Gateway) SendOrderMaterial(ctx context.Context, om *models.OrderMaterial) (*lisclient.Response, []Event, error) {
	if err := validateOrderMaterial(om); err != nil {
		return nil, nil, err
	}

	payload := orderMaterialPayload(om)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("building order material payload: %w", err)
	}

	url := g.cfg.OrderMaterialsURL(*om.User.ReferrerID)
	resp, err := g.api.Post(ctx, url, "application/json", body)
	if err != nil {
		return nil, []Event{{
			Kind:    EventOrderMaterialFailed,
			Subject: om.ID,
			UserID:  om.UserID,
			Detail:  err.Error(),
		}}, err
	}

	serverID, err := extractOrderMaterialID(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	if err := g.store.PersistOrderMaterialServerID(ctx, om.ID, serverID); err != nil {
		return resp, nil, err
	}

	return resp, []Event{{
		Kind:    EventOrderMaterialSynced,
		Subject: om.ID,
		UserID:  om.UserID,
		Detail:  fmt.Sprintf("remote id %d", serverID),
	}}, nil
}

// SendCollectRequest pushes a logistics pickup request: one multipart
// POST carrying the JSON document for all grouped orders plus every
// stored attachment. Local status transitions stay with the caller.
func (g *Gateway) SendCollectRequest(ctx context.Context, cr *models.CollectRequest) (*lisclient.Response, []Event, error) {
	if len(cr.Orders) == 0 {
		return nil, nil, &ValidationError{Field: "orders", Reason: "collect request has no orders"}
	}

	body, contentType, err := g.buildCollectRequestBody(ctx, cr)
	if err != nil {
		return nil, nil, err
	}

	url := g.cfg.LogisticRequestURL(cr.UserID)
	resp, err := g.api.Post(ctx, url, contentType, body)
	if err != nil {
		return nil, []Event{{
			Kind:    EventCollectRequestFailed,
			Subject: cr.ID,
			UserID:  cr.UserID,
			Detail:  err.Error(),
		}}, err
	}

	return resp, []Event{{
		Kind:    EventCollectRequestSent,
		Subject: cr.ID,
		UserID:  cr.UserID,
	}}, nil
}

// DownloadReport fetches the report archive for a reported order.
func (g *Gateway) DownloadReport(ctx context.Context, order *models.Order) ([]byte, error) {
	if order.ServerID == nil {
		return nil, &ValidationError{Field: "server_id", Reason: "order has no external reference"}
	}
	resp, err := g.api.Get(ctx, g.cfg.ReportURL(*order.ServerID))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// validateOrderMaterial runs the precondition chain in order, failing
// fast on the first violation.
func validateOrderMaterial(om *models.OrderMaterial) error {
	if om.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if om.User == nil {
		return &ValidationError{Field: "user", Reason: "order material has no user loaded"}
	}
	if om.User.ReferrerID == nil || *om.User.ReferrerID == "" {
		return &ValidationError{Field: "referrer_id", Reason: "user has no referrer identifier"}
	}
	if om.SampleType == nil {
		return &ValidationError{Field: "sample_type", Reason: "order material has no sample type loaded"}
	}
	if !om.SampleType.Orderable {
		return &ValidationError{Field: "sample_type", Reason: fmt.Sprintf("sample type %s is not orderable", om.SampleType.Name)}
	}
	if om.SampleType.ServerID == nil {
		return &ValidationError{Field: "sample_type", Reason: fmt.Sprintf("sample type %s has no external mapping", om.SampleType.Name)}
	}
	return nil
}

func orderMaterialPayload(om *models.OrderMaterial) map[string]interface{} {
	return map[string]interface{}{
		"order_material_id": om.ID,
		"referrer_id":       *om.User.ReferrerID,
		"created_at":        om.CreatedAt.Format(time.RFC3339),
		"order_material": map[string]interface{}{
			"id":             om.ID,
			"amount":         om.Amount,
			"sample_type_id": *om.SampleType.ServerID,
			"status":         om.Status,
		},
	}
}

func extractOrderMaterialID(body []byte) (int64, error) {
	var payload struct {
		OrderMaterial struct {
			ID int64 `json:"id"`
		} `json:"order_material"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("parsing order material response: %w", err)
	}
	if payload.OrderMaterial.ID == 0 {
		return 0, fmt.Errorf("order material response contained no id")
	}
	return payload.OrderMaterial.ID, nil
}
