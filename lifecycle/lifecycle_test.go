package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"github.com/genodx/lis-sync/repository/models"
)

func Test_CanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.OrderPending, models.OrderRequested))
	assert.True(t, CanTransition(models.OrderRequested, models.OrderLogisticRequested))
	assert.True(t, CanTransition(models.OrderReceived, models.OrderProcessing))
	assert.True(t, CanTransition(models.OrderReceived, models.OrderReported))
	assert.True(t, CanTransition(models.OrderReported, models.OrderReportDownloaded))

	assert.False(t, CanTransition(models.OrderPending, models.OrderSent))
	assert.False(t, CanTransition(models.OrderRequested, models.OrderPending))
	assert.False(t, CanTransition(models.OrderReportDownloaded, models.OrderPending))
	assert.False(t, CanTransition(models.OrderSent, models.OrderReported))
}

func Test_NextStep(t *testing.T) {
	next, ok := NextStep(models.StepTestMethod)
	assert.True(t, ok)
	assert.Equal(t, models.StepPatientDetails, next)

	next, ok = NextStep(models.StepConsentForm)
	assert.True(t, ok)
	assert.Equal(t, models.StepFinalize, next)

	_, ok = NextStep(models.StepFinalize)
	assert.False(t, ok)

	_, ok = NextStep(models.OrderStep("NO_SUCH_STEP"))
	assert.False(t, ok)
}

func Test_CanEnterStep(t *testing.T) {
	order := &models.Order{Step: models.StepSampleDetails}

	// Current step and any earlier step are reachable.
	assert.True(t, CanEnterStep(order, models.StepSampleDetails))
	assert.True(t, CanEnterStep(order, models.StepTestMethod))
	assert.True(t, CanEnterStep(order, models.StepPatientDetails))

	// Jumping ahead is not.
	assert.False(t, CanEnterStep(order, models.StepConsentForm))
	assert.False(t, CanEnterStep(order, models.StepFinalize))
	assert.False(t, CanEnterStep(order, models.OrderStep("NO_SUCH_STEP")))
}

func Test_CanCreate(t *testing.T) {
	// Self-service default: zero roles may create.
	assert.True(t, CanCreate(&models.User{ID: "USR-1"}))

	// A role without the explicit permission may not.
	staff := &models.User{ID: "USR-2", Roles: datatypes.JSONSlice[string]{"staff"}}
	assert.False(t, CanCreate(staff))

	staff.Permissions = datatypes.JSONSlice[string]{PermCreateOrders}
	assert.True(t, CanCreate(staff))
}

func Test_CanUpdate(t *testing.T) {
	owner := &models.User{ID: "USR-1"}
	other := &models.User{ID: "USR-2"}
	admin := &models.User{
		ID:          "USR-3",
		Roles:       datatypes.JSONSlice[string]{"admin"},
		Permissions: datatypes.JSONSlice[string]{PermUpdateOrders},
	}

	pending := &models.Order{ID: "ORD-1", UserID: "USR-1", Status: models.OrderPending}
	sent := &models.Order{ID: "ORD-2", UserID: "USR-1", Status: models.OrderSent}

	assert.True(t, CanUpdate(owner, pending))
	assert.False(t, CanUpdate(owner, sent))
	assert.False(t, CanUpdate(other, pending))
	assert.True(t, CanUpdate(admin, sent))
}

func Test_CanRequestLogistic(t *testing.T) {
	assert.True(t, CanRequestLogistic(&models.Order{Status: models.OrderRequested}))
	assert.False(t, CanRequestLogistic(&models.Order{Status: models.OrderPending}))
	assert.False(t, CanRequestLogistic(&models.Order{Status: models.OrderLogisticRequested}))
}

func Test_CanDownloadReport(t *testing.T) {
	owner := &models.User{ID: "USR-1"}
	other := &models.User{ID: "USR-2"}
	viewer := &models.User{ID: "USR-3", Permissions: datatypes.JSONSlice[string]{PermViewOrders}}

	reported := &models.Order{ID: "ORD-1", UserID: "USR-1", Status: models.OrderReported}
	downloaded := &models.Order{ID: "ORD-1", UserID: "USR-1", Status: models.OrderReportDownloaded}
	processing := &models.Order{ID: "ORD-1", UserID: "USR-1", Status: models.OrderProcessing}

	assert.True(t, CanDownloadReport(owner, reported))
	assert.True(t, CanDownloadReport(owner, downloaded))
	assert.True(t, CanDownloadReport(viewer, reported))
	assert.False(t, CanDownloadReport(other, reported))
	assert.False(t, CanDownloadReport(owner, processing))
}

func acceptedOrder() *models.Order {
	return &models.Order{
		ID: "ORD-1",
		Tests: []models.Test{
			{ID: "TST-WES", SampleTypes: []models.SampleType{{ID: "ST-BLOOD"}, {ID: "ST-SALIVA"}}},
			{ID: "TST-CGH", SampleTypes: []models.SampleType{{ID: "ST-BLOOD"}}},
		},
	}
}

func Test_AcceptedSampleTypes(t *testing.T) {
	assert.Equal(t, []string{"ST-BLOOD", "ST-SALIVA"}, AcceptedSampleTypes(acceptedOrder()))
	assert.Empty(t, AcceptedSampleTypes(&models.Order{}))
}

func Test_ValidateSampleDetails(t *testing.T) {
	order := acceptedOrder()

	errs := ValidateSampleDetails(order, []models.Sample{
		{ID: "SMP-1", SampleTypeID: "ST-BLOOD"},
		{ID: "SMP-2", SampleTypeID: "ST-SALIVA"},
	})
	assert.Empty(t, errs)

	errs = ValidateSampleDetails(order, []models.Sample{
		{ID: "SMP-1", SampleTypeID: "ST-TISSUE"},
		{ID: "SMP-2", SampleTypeID: "ST-BLOOD"},
	})
	assert.Len(t, errs, 1)
	assert.Equal(t, "SMP-1", errs[0].SampleID)
	assert.Equal(t, []string{"ST-BLOOD", "ST-SALIVA"}, errs[0].AcceptableTypes)
}

func Test_ValidateStep(t *testing.T) {
	patientID := "PAT-1"

	order := acceptedOrder()
	order.PatientID = &patientID
	order.Samples = []models.Sample{{ID: "SMP-1", SampleTypeID: "ST-BLOOD"}}
	order.ConsentAnswers = datatypes.JSON(`{"agreed":true}`)

	for _, step := range []models.OrderStep{
		models.StepTestMethod,
		models.StepPatientDetails,
		models.StepSampleDetails,
		models.StepConsentForm,
		models.StepFinalize,
	} {
		assert.NoError(t, ValidateStep(order, step), string(step))
	}
}

func Test_ValidateStep_Failures(t *testing.T) {
	var stepErr *StepError

	err := ValidateStep(&models.Order{}, models.StepTestMethod)
	assert.ErrorAs(t, err, &stepErr)
	assert.Equal(t, models.StepTestMethod, stepErr.Step)

	err = ValidateStep(&models.Order{}, models.StepPatientDetails)
	assert.ErrorAs(t, err, &stepErr)

	// A sample whose type no selected test accepts fails the guard.
	order := acceptedOrder()
	order.Samples = []models.Sample{{ID: "SMP-1", SampleTypeID: "ST-TISSUE"}}
	err = ValidateStep(order, models.StepSampleDetails)
	assert.ErrorAs(t, err, &stepErr)
	assert.Contains(t, stepErr.Message, "ST-TISSUE")

	err = ValidateStep(&models.Order{}, models.StepConsentForm)
	assert.ErrorAs(t, err, &stepErr)

	// Finalize re-validates every earlier step and surfaces the first gap.
	err = ValidateStep(&models.Order{}, models.StepFinalize)
	assert.ErrorAs(t, err, &stepErr)
	assert.Equal(t, models.StepTestMethod, stepErr.Step)

	err = ValidateStep(&models.Order{}, models.OrderStep("NO_SUCH_STEP"))
	assert.ErrorAs(t, err, &stepErr)
}

func Test_Labels(t *testing.T) {
	assert.Equal(t, "Pickup requested", StatusLabel(models.OrderLogisticRequested))
	assert.Equal(t, "UNKNOWN", StatusLabel(models.OrderStatus("UNKNOWN")))
	assert.Equal(t, "Consent form", StepLabel(models.StepConsentForm))
	assert.Equal(t, "UNKNOWN", StepLabel(models.OrderStep("UNKNOWN")))
}
