package srvreg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/datatypes"

	"github.com/genodx/lis-sync/gateway"
	"github.com/genodx/lis-sync/lifecycle"
	"github.com/genodx/lis-sync/lisclient"
	"github.com/genodx/lis-sync/material"
	"github.com/genodx/lis-sync/repository"
	"github.com/genodx/lis-sync/repository/models"
)

const dateLayout = "2006-01-02"

// InfoHandler returns service information.
func (sr *ServiceRegistry) InfoHandler(_ *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"service": "lis-sync",
		"status":  "active",
	}), nil
}

// CreateOrderHandler starts a new order at the first wizard step.
func (sr *ServiceRegistry) CreateOrderHandler(req *Request) (*Response, error) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.UserID == "" {
		return errorResponse(http.StatusBadRequest, "user_id is required"), nil
	}

	ctx := context.Background()
	user, err := sr.repository.GetUser(ctx, body.UserID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	if !lifecycle.CanCreate(user) {
		return errorResponse(http.StatusForbidden, "user may not create orders"), nil
	}

	order, err := sr.repository.CreateOrder(ctx, user.ID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}

	return jsonResponse(http.StatusCreated, map[string]interface{}{
		"message":  "Order created",
		"order_id": order.ID,
		"status":   order.Status,
		"step":     order.Step,
	}), nil
}

// SubmitStepHandler accepts a wizard step's data after its guard passes,
// then advances the step. Submitting FINALIZE moves the order's status
// from PENDING to REQUESTED.
func (sr *ServiceRegistry) SubmitStepHandler(req *Request) (*Response, error) {
	orderID := pathSegment(req.Path, 1)
	step := models.OrderStep(pathSegment(req.Path, 3))
	if lifecycle.StepIndex(step) < 0 {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("unknown step %q", step)), nil
	}

	var body struct {
		UserID    string          `json:"user_id"`
		TestIDs   []string        `json:"test_ids"`
		PatientID string          `json:"patient_id"`
		Samples   []stepSample    `json:"samples"`
		Consent   json.RawMessage `json:"consent"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}

	ctx := context.Background()
	user, err := sr.repository.GetUser(ctx, body.UserID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	order, err := sr.repository.GetOrder(ctx, orderID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	if !lifecycle.CanUpdate(user, order) {
		return errorResponse(http.StatusForbidden, "order can no longer be edited by this user"), nil
	}
	if !lifecycle.CanEnterStep(order, step) {
		return errorResponse(http.StatusConflict, fmt.Sprintf("cannot jump ahead to step %s from %s", step, order.Step)), nil
	}

	rows, resp := parseStepSamples(body.Samples)
	if resp != nil {
		return resp, nil
	}

	// The guard runs against the submitted payload before anything is
	// persisted; a rejected submission leaves the order untouched.
	if resp := validateStepData(order, step, body.TestIDs, body.PatientID, rows, body.Consent); resp != nil {
		return resp, nil
	}
	if resp := sr.applyStepData(ctx, order, step, body.TestIDs, body.PatientID, rows, body.Consent); resp != nil {
		return resp, nil
	}

	if step == order.Step {
		if next, ok := lifecycle.NextStep(step); ok {
			order.Step = next
		}
		if step == models.StepFinalize && lifecycle.CanTransition(order.Status, models.OrderRequested) {
			order.Status = models.OrderRequested
		}
	}
	if err := sr.repository.SaveOrderStep(ctx, order); err != nil {
		return repositoryErrorResponse(err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":  "Step accepted",
		"order_id": order.ID,
		"status":   order.Status,
		"step":     order.Step,
	}), nil
}

type stepSample struct {
	SampleTypeID string  `json:"sample_type_id"`
	CollectedAt  *string `json:"collected_at"`
	Barcode      *string `json:"barcode"`
}

// parseStepSamples converts the submitted sample rows into model rows.
func parseStepSamples(samples []stepSample) ([]models.Sample, *Response) {
	rows := make([]models.Sample, 0, len(samples))
	for _, s := range samples {
		row := models.Sample{SampleTypeID: s.SampleTypeID, ExternalBarcode: s.Barcode}
		if s.CollectedAt != nil {
			collected, err := time.Parse(dateLayout, *s.CollectedAt)
			if err != nil {
				return nil, errorResponse(http.StatusBadRequest, fmt.Sprintf("invalid collected_at %q", *s.CollectedAt))
			}
			row.CollectedAt = &collected
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// validateStepData evaluates the step's guard against the submitted
// payload. Nothing is persisted until it passes.
func validateStepData(order *models.Order, step models.OrderStep, testIDs []string, patientID string, samples []models.Sample, consent json.RawMessage) *Response {
	switch step {
	case models.StepTestMethod:
		if len(testIDs) == 0 {
			return errorResponse(http.StatusBadRequest, "test_ids is required")
		}
	case models.StepPatientDetails:
		if patientID == "" {
			return errorResponse(http.StatusBadRequest, "patient_id is required")
		}
	case models.StepSampleDetails:
		if len(samples) == 0 {
			return errorResponse(http.StatusBadRequest, "samples is required")
		}
		if errs := lifecycle.ValidateSampleDetails(order, samples); len(errs) > 0 {
			return errorResponse(http.StatusUnprocessableEntity, errs[0].Error())
		}
	case models.StepConsentForm:
		if len(consent) == 0 {
			return errorResponse(http.StatusBadRequest, "consent is required")
		}
	case models.StepFinalize:
		// No data of its own; re-validates every earlier step against
		// the order's persisted state.
		if err := lifecycle.ValidateStep(order, step); err != nil {
			return errorResponse(http.StatusUnprocessableEntity, err.Error())
		}
	}
	return nil
}

// applyStepData persists an accepted step's data. Relational data is
// written here; scalar fields ride along on the final order save.
func (sr *ServiceRegistry) applyStepData(ctx context.Context, order *models.Order, step models.OrderStep, testIDs []string, patientID string, samples []models.Sample, consent json.RawMessage) *Response {
	switch step {
	case models.StepTestMethod:
		if err := sr.repository.SetOrderTests(ctx, order, testIDs); err != nil {
			return repositoryErrorResponse(err)
		}
	case models.StepPatientDetails:
		order.PatientID = &patientID
	case models.StepSampleDetails:
		if err := sr.repository.ReplaceOrderSamples(ctx, order.ID, samples); err != nil {
			return repositoryErrorResponse(err)
		}
	case models.StepConsentForm:
		order.ConsentAnswers = datatypes.JSON(consent)
	case models.StepFinalize:
	}
	return nil
}

// DownloadReportHandler streams the LIS report archive for a reported
// order and flips the status to REPORT_DOWNLOADED.
func (sr *ServiceRegistry) DownloadReportHandler(req *Request) (*Response, error) {
	orderID := pathSegment(req.Path, 1)
	userID := req.Query["user_id"]
	if userID == "" {
		return errorResponse(http.StatusBadRequest, "user_id query parameter is required"), nil
	}

	ctx := context.Background()
	user, err := sr.repository.GetUser(ctx, userID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	order, err := sr.repository.GetOrder(ctx, orderID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	if !lifecycle.CanDownloadReport(user, order) {
		return errorResponse(http.StatusForbidden, "report is not available for this user"), nil
	}

	archive, err := sr.gateway.DownloadReport(ctx, order)
	if err != nil {
		return gatewayErrorResponse(err), nil
	}

	if order.Status == models.OrderReported {
		if err := sr.repository.SetOrderStatus(ctx, order.ID, models.OrderReportDownloaded); err != nil {
			return repositoryErrorResponse(err), nil
		}
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"order_id": order.ID,
		"report":   base64.StdEncoding.EncodeToString(archive),
	}), nil
}

// SetOrderReferenceHandler persists the LIS-assigned order id. Used by
// the inbound update path once the LIS accepts an order.
func (sr *ServiceRegistry) SetOrderReferenceHandler(req *Request) (*Response, error) {
	orderID := pathSegment(req.Path, 1)

	var body struct {
		ServerID int64 `json:"server_id"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.ServerID == 0 {
		return errorResponse(http.StatusBadRequest, "server_id is required"), nil
	}

	err := sr.repository.SetOrderServerID(context.Background(), orderID, body.ServerID)
	if errors.Is(err, repository.ErrServerIDConflict) {
		return errorResponse(http.StatusConflict, "order already has a different external reference"), nil
	}
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"order_id":  orderID,
		"server_id": body.ServerID,
	}), nil
}

// CreateOrderMaterialHandler records a bulk container request.
func (sr *ServiceRegistry) CreateOrderMaterialHandler(req *Request) (*Response, error) {
	var body struct {
		UserID       string `json:"user_id"`
		SampleTypeID string `json:"sample_type_id"`
		Amount       int    `json:"amount"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.UserID == "" || body.SampleTypeID == "" {
		return errorResponse(http.StatusBadRequest, "user_id and sample_type_id are required"), nil
	}

	om, err := sr.repository.CreateOrderMaterial(context.Background(), body.UserID, body.SampleTypeID, body.Amount)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}
	return jsonResponse(http.StatusCreated, map[string]interface{}{
		"message":           "Order material created",
		"order_material_id": om.ID,
		"amount":            om.Amount,
		"status":            om.Status,
	}), nil
}

// GenerateMaterialsHandler generates the barcoded containers for an
// order material. One-time: repeating the call fails loudly.
func (sr *ServiceRegistry) GenerateMaterialsHandler(req *Request) (*Response, error) {
	omID := pathSegment(req.Path, 1)

	var body struct {
		ExpireDate string `json:"expire_date"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	expireDate, err := time.Parse(dateLayout, body.ExpireDate)
	if err != nil {
		return errorResponse(http.StatusBadRequest, "expire_date must be formatted YYYY-MM-DD"), nil
	}

	ctx := context.Background()
	om, err := sr.repository.GetOrderMaterial(ctx, omID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}

	materials, err := sr.allocator.GenerateBatch(ctx, om, expireDate)
	switch {
	case errors.Is(err, material.ErrAlreadyGenerated):
		return errorResponse(http.StatusConflict, "materials were already generated for this request"), nil
	case errors.Is(err, material.ErrAllocationConflict):
		return errorResponse(http.StatusConflict, "barcode conflict, retry the generation"), nil
	case err != nil:
		return repositoryErrorResponse(err), nil
	}

	barcodes := make([]string, 0, len(materials))
	for _, m := range materials {
		barcodes = append(barcodes, m.Barcode)
	}
	return jsonResponse(http.StatusCreated, map[string]interface{}{
		"message":           "Materials generated",
		"order_material_id": om.ID,
		"barcodes":          barcodes,
	}), nil
}

// SyncOrderMaterialHandler pushes a container request to the LIS and
// persists the returned external reference.
func (sr *ServiceRegistry) SyncOrderMaterialHandler(req *Request) (*Response, error) {
	omID := pathSegment(req.Path, 1)

	ctx := context.Background()
	om, err := sr.repository.GetOrderMaterial(ctx, omID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}

	_, events, err := sr.gateway.SendOrderMaterial(ctx, om)
	for _, ev := range events {
		if nerr := sr.notifier.Notify(ctx, ev); nerr != nil {
			// Notification failures never fail the sync.
			continue
		}
	}
	if err != nil {
		return gatewayErrorResponse(err), nil
	}

	if err := sr.repository.SetOrderMaterialStatus(ctx, om.ID, models.OrderMaterialSent); err != nil {
		return repositoryErrorResponse(err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":           "Order material synchronized",
		"order_material_id": om.ID,
		"status":            models.OrderMaterialSent,
	}), nil
}

// BindBarcodeHandler binds a scanned container barcode to a sample.
func (sr *ServiceRegistry) BindBarcodeHandler(req *Request) (*Response, error) {
	var body struct {
		Barcode  string `json:"barcode"`
		UserID   string `json:"user_id"`
		SampleID string `json:"sample_id"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Barcode == "" || body.UserID == "" || body.SampleID == "" {
		return errorResponse(http.StatusBadRequest, "barcode, user_id and sample_id are required"), nil
	}

	ctx := context.Background()
	user, err := sr.repository.GetUser(ctx, body.UserID)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}

	err = sr.allocator.BindBarcode(ctx, body.Barcode, user, body.SampleID)
	switch {
	case errors.Is(err, material.ErrNotFound):
		return errorResponse(http.StatusNotFound, "no material carries this barcode"), nil
	case errors.Is(err, material.ErrNotOwned):
		return errorResponse(http.StatusForbidden, "this material belongs to another user"), nil
	case errors.Is(err, material.ErrAlreadyUsed):
		return errorResponse(http.StatusConflict, "this material is already used by another sample"), nil
	case errors.Is(err, material.ErrSampleBound):
		return errorResponse(http.StatusConflict, "this sample already holds another material"), nil
	case err != nil:
		return repositoryErrorResponse(err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":   "Barcode bound",
		"barcode":   body.Barcode,
		"sample_id": body.SampleID,
	}), nil
}

// CreateCollectRequestHandler groups REQUESTED orders for pickup and
// enqueues the asynchronous logistics dispatch.
func (sr *ServiceRegistry) CreateCollectRequestHandler(req *Request) (*Response, error) {
	var body struct {
		UserID        string          `json:"user_id"`
		OrderIDs      []string        `json:"order_ids"`
		Details       json.RawMessage `json:"details"`
		PreferredDate *string         `json:"preferred_date"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.UserID == "" || len(body.OrderIDs) == 0 {
		return errorResponse(http.StatusBadRequest, "user_id and order_ids are required"), nil
	}

	ctx := context.Background()
	for _, orderID := range body.OrderIDs {
		order, err := sr.repository.GetOrder(ctx, orderID)
		if err != nil {
			return repositoryErrorResponse(err), nil
		}
		if !lifecycle.CanRequestLogistic(order) {
			return errorResponse(http.StatusConflict, fmt.Sprintf("order %s is not ready for pickup (status %s)", order.ID, order.Status)), nil
		}
	}

	var preferred *time.Time
	if body.PreferredDate != nil {
		parsed, err := time.Parse(dateLayout, *body.PreferredDate)
		if err != nil {
			return errorResponse(http.StatusBadRequest, "preferred_date must be formatted YYYY-MM-DD"), nil
		}
		preferred = &parsed
	}

	cr, err := sr.repository.CreateCollectRequest(ctx, body.UserID, body.OrderIDs, datatypes.JSON(body.Details), preferred)
	if err != nil {
		return repositoryErrorResponse(err), nil
	}

	return jsonResponse(http.StatusAccepted, map[string]interface{}{
		"message":            "Collect request queued for dispatch",
		"collect_request_id": cr.ID,
		"status":             cr.Status,
	}), nil
}

// repositoryErrorResponse maps repository errors onto HTTP statuses.
func repositoryErrorResponse(err error) *Response {
	var repoErr *repository.RepositoryError
	if errors.As(err, &repoErr) {
		status := http.StatusInternalServerError
		switch repoErr.Code {
		case "NOT_FOUND":
			status = http.StatusNotFound
		case "INVALID_AMOUNT":
			status = http.StatusUnprocessableEntity
		}
		return errorResponse(status, repoErr.Message)
	}
	return errorResponse(http.StatusInternalServerError, err.Error())
}

// gatewayErrorResponse maps sync failures onto HTTP statuses, keeping
// the three failure classes distinguishable for callers.
func gatewayErrorResponse(err error) *Response {
	var validationErr *gateway.ValidationError
	if errors.As(err, &validationErr) {
		return errorResponse(http.StatusUnprocessableEntity, validationErr.Error())
	}
	if errors.Is(err, repository.ErrServerIDConflict) {
		return errorResponse(http.StatusConflict, "LIS returned a conflicting external reference")
	}
	var apiErr *lisclient.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusServiceUnavailable {
			return errorResponse(http.StatusServiceUnavailable, "laboratory service temporarily unavailable")
		}
		return errorResponse(http.StatusBadGateway, apiErr.Error())
	}
	var authErr *lisclient.AuthError
	if errors.As(err, &authErr) {
		return errorResponse(http.StatusBadGateway, "authentication against the laboratory service failed")
	}
	return errorResponse(http.StatusInternalServerError, err.Error())
}
