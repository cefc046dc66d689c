// Package lifecycle holds the pure state-machine logic over order status
// and intake steps. No I/O happens here; callers load state, ask, then act.
package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/genodx/lis-sync/repository/models"
)

// Explicit permissions recognized by the guards. Users without roles fall
// back to self-service defaults.
const (
	PermCreateOrders   = "orders.create"
	PermUpdateOrders   = "orders.update"
	PermViewOrders     = "orders.view"
	PermDownloadReport = "orders.download_report"
)

// stepOrder is the total order over the intake wizard. Finalize has no
// next step; after it, progress is driven by status, not step.
var stepOrder = []models.OrderStep{
	models.StepTestMethod,
	models.StepPatientDetails,
	models.StepSampleDetails,
	models.StepConsentForm,
	models.StepFinalize,
}

// statusTransitions enumerates the legal status moves. The LIS drives
// everything past SENT via inbound updates; skips from RECEIVED straight
// to REPORTED are legal because the LIS reports are not guaranteed to
// surface every intermediate stage.
var statusTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:           {models.OrderRequested},
	models.OrderRequested:         {models.OrderLogisticRequested},
	models.OrderLogisticRequested: {models.OrderSent},
	models.OrderSent:              {models.OrderReceived},
	models.OrderReceived:          {models.OrderProcessing, models.OrderReported},
	models.OrderProcessing:        {models.OrderReported},
	models.OrderReported:          {models.OrderReportDownloaded},
	models.OrderReportDownloaded:  {},
}

var statusLabels = map[models.OrderStatus]string{
	models.OrderPending:           "Pending",
	models.OrderRequested:         "Requested",
	models.OrderLogisticRequested: "Pickup requested",
	models.OrderSent:              "Sent to lab",
	models.OrderReceived:          "Received by lab",
	models.OrderProcessing:        "Processing",
	models.OrderReported:          "Reported",
	models.OrderReportDownloaded:  "Report downloaded",
}

var stepLabels = map[models.OrderStep]string{
	models.StepTestMethod:     "Test method",
	models.StepPatientDetails: "Patient details",
	models.StepSampleDetails:  "Sample details",
	models.StepConsentForm:    "Consent form",
	models.StepFinalize:       "Finalize",
}

// StatusLabel returns the display label for a status.
func StatusLabel(s models.OrderStatus) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// StepLabel returns the display label for a step.
func StepLabel(s models.OrderStep) string {
	if l, ok := stepLabels[s]; ok {
		return l
	}
	return string(s)
}

// CanTransition reports whether a status move is legal.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStep returns the step after the given one. The second return is
// false when the step is FINALIZE (terminal for the wizard) or unknown.
func NextStep(step models.OrderStep) (models.OrderStep, bool) {
	for i, s := range stepOrder {
		if s == step && i+1 < len(stepOrder) {
			return stepOrder[i+1], true
		}
	}
	return step, false
}

// StepIndex returns the position of a step in the wizard, or -1.
func StepIndex(step models.OrderStep) int {
	for i, s := range stepOrder {
		if s == step {
			return i
		}
	}
	return -1
}

// CanEnterStep reports whether navigation to target is allowed: forward
// one at a time via NextStep, or back to any earlier, already-valid step.
func CanEnterStep(order *models.Order, target models.OrderStep) bool {
	current := StepIndex(order.Step)
	idx := StepIndex(target)
	if current < 0 || idx < 0 {
		return false
	}
	return idx <= current
}

func hasPermission(user *models.User, perm string) bool {
	for _, p := range user.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// CanCreate allows order creation for users with the explicit permission,
// or for users with zero assigned roles (self-service default).
func CanCreate(user *models.User) bool {
	return hasPermission(user, PermCreateOrders) || len(user.Roles) == 0
}

// CanUpdate allows order edits for users with the explicit permission, or
// for the owner while the order is still PENDING.
func CanUpdate(user *models.User, order *models.Order) bool {
	if hasPermission(user, PermUpdateOrders) {
		return true
	}
	return order.Status == models.OrderPending && user.ID == order.UserID
}

// CanRequestLogistic gates pickup requests: only REQUESTED orders qualify.
func CanRequestLogistic(order *models.Order) bool {
	return order.Status == models.OrderRequested
}

// CanDownloadReport allows report access for a permitted viewer or the
// owner, once the LIS has reported the order.
func CanDownloadReport(user *models.User, order *models.Order) bool {
	permitted := hasPermission(user, PermDownloadReport) || hasPermission(user, PermViewOrders) || user.ID == order.UserID
	if !permitted {
		return false
	}
	return order.Status == models.OrderReported || order.Status == models.OrderReportDownloaded
}

// StepError reports a failed step validation guard.
type StepError struct {
	Step    models.OrderStep
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Step, e.Message)
}

// SampleError reports a rejected sample in the SAMPLE_DETAILS guard,
// listing the sample types the order's tests accept.
type SampleError struct {
	SampleID        string
	SampleTypeID    string
	AcceptableTypes []string
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s: type %s not accepted, acceptable types: %s",
		e.SampleID, e.SampleTypeID, strings.Join(e.AcceptableTypes, ", "))
}

// AcceptedSampleTypes returns the union of sample types accepted by the
// order's selected tests, sorted by id.
func AcceptedSampleTypes(order *models.Order) []string {
	set := make(map[string]struct{})
	for _, test := range order.Tests {
		for _, st := range test.SampleTypes {
			set[st.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateSampleDetails is the SAMPLE_DETAILS guard: every submitted
// sample's type must be accepted by one of the order's selected tests.
// Returns one error per offending sample.
func ValidateSampleDetails(order *models.Order, samples []models.Sample) []*SampleError {
	accepted := AcceptedSampleTypes(order)
	acceptedSet := make(map[string]struct{}, len(accepted))
	for _, id := range accepted {
		acceptedSet[id] = struct{}{}
	}

	var errs []*SampleError
	for _, s := range samples {
		if _, ok := acceptedSet[s.SampleTypeID]; !ok {
			errs = append(errs, &SampleError{
				SampleID:        s.ID,
				SampleTypeID:    s.SampleTypeID,
				AcceptableTypes: accepted,
			})
		}
	}
	return errs
}

// ValidateStep evaluates the guard for a step against the order's loaded
// state. It is called before accepting the step's submitted data.
func ValidateStep(order *models.Order, step models.OrderStep) error {
	switch step {
	case models.StepTestMethod:
		if len(order.Tests) == 0 {
			return &StepError{Step: step, Message: "at least one test must be selected"}
		}
	case models.StepPatientDetails:
		if order.PatientID == nil || *order.PatientID == "" {
			return &StepError{Step: step, Message: "patient details are required"}
		}
	case models.StepSampleDetails:
		if len(order.Samples) == 0 {
			return &StepError{Step: step, Message: "at least one sample is required"}
		}
		if errs := ValidateSampleDetails(order, order.Samples); len(errs) > 0 {
			return &StepError{Step: step, Message: errs[0].Error()}
		}
	case models.StepConsentForm:
		if len(order.ConsentAnswers) == 0 {
			return &StepError{Step: step, Message: "consent answers are required"}
		}
	case models.StepFinalize:
		for _, prev := range stepOrder[:len(stepOrder)-1] {
			if err := ValidateStep(order, prev); err != nil {
				return err
			}
		}
	default:
		return &StepError{Step: step, Message: "unknown step"}
	}
	return nil
}
