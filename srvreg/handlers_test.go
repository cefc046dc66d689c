package srvreg

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"github.com/genodx/lis-sync/repository/models"
)

func wizardOrder() *models.Order {
	return &models.Order{
		ID:     "ORD-1",
		UserID: "USR-1",
		Status: models.OrderPending,
		Step:   models.StepSampleDetails,
		Tests: []models.Test{
			{ID: "TST-WES", SampleTypes: []models.SampleType{{ID: "ST-BLOOD"}, {ID: "ST-SALIVA"}}},
		},
	}
}

func Test_ValidateStepData_RejectsUnacceptedSampleType(t *testing.T) {
	order := wizardOrder()
	samples := []models.Sample{{SampleTypeID: "ST-TISSUE"}}

	// The guard sees only the submitted payload and the loaded order;
	// it runs before any write, so a rejection leaves nothing behind.
	resp := validateStepData(order, models.StepSampleDetails, nil, "", samples, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, resp.Body, "ST-TISSUE")
	assert.Contains(t, resp.Body, "ST-BLOOD")
}

func Test_ValidateStepData_AcceptsValidSamples(t *testing.T) {
	order := wizardOrder()
	samples := []models.Sample{
		{SampleTypeID: "ST-BLOOD"},
		{SampleTypeID: "ST-SALIVA"},
	}
	assert.Nil(t, validateStepData(order, models.StepSampleDetails, nil, "", samples, nil))
}

func Test_ValidateStepData_MissingData(t *testing.T) {
	order := wizardOrder()

	resp := validateStepData(order, models.StepTestMethod, nil, "", nil, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = validateStepData(order, models.StepPatientDetails, nil, "", nil, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = validateStepData(order, models.StepSampleDetails, nil, "", nil, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = validateStepData(order, models.StepConsentForm, nil, "", nil, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func Test_ValidateStepData_FinalizeChecksEverything(t *testing.T) {
	// An order missing patient and samples cannot finalize.
	resp := validateStepData(wizardOrder(), models.StepFinalize, nil, "", nil, nil)
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	patientID := "PAT-1"
	order := wizardOrder()
	order.PatientID = &patientID
	order.Samples = []models.Sample{{ID: "SMP-1", SampleTypeID: "ST-BLOOD"}}
	order.ConsentAnswers = datatypes.JSON(`{"agreed":true}`)
	assert.Nil(t, validateStepData(order, models.StepFinalize, nil, "", nil, json.RawMessage(order.ConsentAnswers)))
}

func Test_ParseStepSamples(t *testing.T) {
	collected := "2025-05-01"
	barcode := "EXT-1"
	rows, resp := parseStepSamples([]stepSample{
		{SampleTypeID: "ST-BLOOD", CollectedAt: &collected, Barcode: &barcode},
		{SampleTypeID: "ST-SALIVA"},
	})
	assert.Nil(t, resp)
	assert.Len(t, rows, 2)
	assert.Equal(t, "ST-BLOOD", rows[0].SampleTypeID)
	assert.Equal(t, "2025-05-01", rows[0].CollectedAt.Format("2006-01-02"))
	assert.Equal(t, "EXT-1", *rows[0].ExternalBarcode)
	assert.Nil(t, rows[1].CollectedAt)

	bad := "01.05.2025"
	_, resp = parseStepSamples([]stepSample{{SampleTypeID: "ST-BLOOD", CollectedAt: &bad}})
	assert.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
