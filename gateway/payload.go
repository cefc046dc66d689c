package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"

	"github.com/genodx/lis-sync/repository/models"
)

// buildCollectRequestBody assembles the multipart logistics payload: a
// "data" field holding one JSON document keyed by order id, plus every
// order's stored files as file[<orderId>][<n>] parts.
func (g *Gateway) buildCollectRequestBody(ctx context.Context, cr *models.CollectRequest) ([]byte, string, error) {
	doc := map[string]interface{}{
		"orders": ordersDocument(cr.Orders),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("building logistics document: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	field, err := writer.CreateFormField("data")
	if err != nil {
		return nil, "", err
	}
	if _, err := field.Write(data); err != nil {
		return nil, "", err
	}

	for _, order := range cr.Orders {
		for n, file := range order.Files {
			contents, err := g.files.Read(ctx, file.Path)
			if err != nil {
				return nil, "", fmt.Errorf("attachment %s of order %s: %w", file.Name, order.ID, err)
			}
			part, err := writer.CreateFormFile(fmt.Sprintf("file[%s][%d]", order.ID, n), file.Name)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(contents); err != nil {
				return nil, "", err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// ordersDocument renders the per-order section of the logistics payload.
func ordersDocument(orders []models.Order) map[string]interface{} {
	doc := make(map[string]interface{}, len(orders))
	for i := range orders {
		order := &orders[i]
		doc[order.ID] = map[string]interface{}{
			"orderForms": orderForms(order),
			"patient":    patientDocument(order.Patient),
			"samples":    samplesDocument(order.Samples),
			"tests":      testsDocument(order.Tests),
		}
	}
	return doc
}

func orderForms(order *models.Order) map[string]interface{} {
	forms := map[string]interface{}{}
	if len(order.ConsentAnswers) > 0 {
		forms["consent"] = json.RawMessage(order.ConsentAnswers)
	}
	return forms
}

func patientDocument(patient *models.Patient) map[string]interface{} {
	if patient == nil {
		return nil
	}
	doc := map[string]interface{}{
		"patient_id": patient.ID,
		"first_name": patient.FirstName,
		"last_name":  patient.LastName,
	}
	if patient.DateOfBirth != nil {
		doc["date_of_birth"] = patient.DateOfBirth.Format("2006-01-02")
	}
	if len(patient.Details) > 0 {
		doc["details"] = json.RawMessage(patient.Details)
	}
	return doc
}

func samplesDocument(samples []models.Sample) []map[string]interface{} {
	docs := make([]map[string]interface{}, 0, len(samples))
	for _, s := range samples {
		doc := map[string]interface{}{
			"sample_id":      s.ID,
			"sample_type_id": s.SampleTypeID,
		}
		if s.CollectedAt != nil {
			doc["collected_at"] = s.CollectedAt.Format("2006-01-02")
		}
		if s.ExternalBarcode != nil {
			doc["barcode"] = *s.ExternalBarcode
		}
		if s.MaterialID != nil {
			doc["material_id"] = *s.MaterialID
		}
		docs = append(docs, doc)
	}
	return docs
}

func testsDocument(tests []models.Test) []map[string]interface{} {
	docs := make([]map[string]interface{}, 0, len(tests))
	for _, t := range tests {
		docs = append(docs, map[string]interface{}{
			"test_id": t.ID,
			"name":    t.Name,
		})
	}
	return docs
}
