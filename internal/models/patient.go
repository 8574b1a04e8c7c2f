package models

// PatientStatus is the lifecycle state of a patient in a team registry.
type PatientStatus string

const (
	PatientActive     PatientStatus = "active"
	PatientDischarged PatientStatus = "discharged"
)

// Patient is a registry entry tracked by a hospital team.
type Patient struct {
	ID           string        `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	Bed          string        `db:"bed" json:"bed,omitempty"`
	TeamID       string        `db:"team_id" json:"teamId,omitempty"`
	Status       PatientStatus `db:"status" json:"status"`
	DischargedAt *int64        `db:"discharged_at" json:"dischargedAt,omitempty"`
	CreatedAt    int64         `db:"created_at" json:"createdAt"`
	UpdatedAt    int64         `db:"updated_at" json:"updatedAt"`
}

// Evolution is one SBAR (Situation, Background, Assessment, Recommendation)
// note written for a patient.
type Evolution struct {
	ID             string `db:"id" json:"id"`
	PatientID      string `db:"patient_id" json:"patientId"`
	Situation      string `db:"situation" json:"situation"`
	Background     string `db:"background" json:"background"`
	Assessment     string `db:"assessment" json:"assessment"`
	Recommendation string `db:"recommendation" json:"recommendation"`
	Author         string `db:"author" json:"author,omitempty"`
	CreatedAt      int64  `db:"created_at" json:"createdAt"`
}
