package journal

import "gorm.io/gorm"

const (
	StatusInProgress = "IN_PROGRESS"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
)

// Session records one keygen or signing run of the local party.
// Table name: "sessions"
type Session struct {
	gorm.Model
	Protocol  string `gorm:"index;not null"` // "keygen" or "signing"
	Room      string `gorm:"index;not null"`
	Status    string `gorm:"index;not null"`
	Host      string `gorm:"index"` // host and pid of the process running the session
	PID       int
	Index     uint16 // relay seat (keygen) or key share index (signing)
	PublicKey string // compressed group key, hex
	Digest    string // signing only, hex
	Signature string // signing only, r||s hex
	Output    string // keygen only, key share path
	ErrorCode string
	Stage     string
	ErrorMsg  string `gorm:"type:text"`
}

// TableName specifies the table name for Session.
func (Session) TableName() string {
	return "sessions"
}
