// Package domain defines the data model shared across the service.
package domain

import "time"

// Summary holds the aggregate statistics computed once at ingestion time.
// It is a historical snapshot: it is never recomputed from the record set.
type Summary struct {
	TotalCount     int            `json:"total_count"`
	AvgFlowrate    float64        `json:"avg_flowrate"`
	AvgPressure    float64        `json:"avg_pressure"`
	AvgTemperature float64        `json:"avg_temperature"`
	EquipmentTypes map[string]int `json:"equipment_types"`
}

// Dataset represents one uploaded CSV file together with its derived
// summary and (optionally) its equipment records.
//
// RowCount always equals the number of equipment records committed for the
// dataset. Records is only populated by detail queries; list projections
// leave it nil.
type Dataset struct {
	ID         int64             `json:"id"`
	Filename   string            `json:"filename"`
	UploadedAt time.Time         `json:"upload_date"`
	RowCount   int               `json:"row_count"`
	Summary    Summary           `json:"summary_stats"`
	BlobPath   string            `json:"-"`
	Records    []EquipmentRecord `json:"equipment_records,omitempty"`
}

// EquipmentRecord is one validated telemetry row. Records belong to exactly
// one dataset and are only ever created as part of its ingestion.
type EquipmentRecord struct {
	ID            int64   `json:"id"`
	DatasetID     int64   `json:"-"`
	EquipmentName string  `json:"equipment_name"`
	EquipmentType string  `json:"equipment_type"`
	Flowrate      float64 `json:"flowrate"`
	Pressure      float64 `json:"pressure"`
	Temperature   float64 `json:"temperature"`
}
