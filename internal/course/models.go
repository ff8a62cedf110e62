package course

import "time"

// TrackedCourse is the durable record for one watched CRN.
type TrackedCourse struct {
	CRN                string    `json:"crn"`
	LastStatus         Status    `json:"lastStatus"`
	LastSeatsRemaining int       `json:"lastSeatsRemaining"`
	LastCheckedAt      time.Time `json:"lastCheckedAt"`
	Invalid            bool      `json:"invalid"`
}

// Availability is one scrape observation for a CRN.
type Availability struct {
	IsOpen         bool `json:"isOpen"`
	SeatsRemaining int  `json:"seatsRemaining"`
}

// ScrapeTask asks a scraper worker to re-check one CRN. Idempotent: the
// same CRN may sit in the queue more than once without harm.
type ScrapeTask struct {
	CRN string `json:"crn"`
}

// NotifyTask is emitted once per confirmed closed→open transition. The
// queue may still redeliver it; duplicate alerts are tolerated downstream.
type NotifyTask struct {
	CRN            string    `json:"crn"`
	SeatsRemaining int       `json:"seatsRemaining"`
	DetectedAt     time.Time `json:"detectedAt"`
}
