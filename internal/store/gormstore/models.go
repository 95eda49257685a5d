package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_accounts_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;uniqueIndex:uniq_entry_account_idem,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	ReservationID  *string        `gorm:"index:idx_ledger_reservation"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_entry_account_idem,priority:2"`
	ExpiresAt      *time.Time     `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	AccountID     string    `gorm:"type:uuid;primaryKey"`
	ReservationID string    `gorm:"primaryKey"`
	Amount        int64     `gorm:"not null"`
	Status        string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// Booking mirrors the bookings table. ScheduledEnd is denormalized for overlap queries.
type Booking struct {
	ID              string     `gorm:"primaryKey"`
	PayerID         string     `gorm:"not null;index:idx_bookings_payer"`
	PayeeID         string     `gorm:"not null;index:idx_bookings_payee_start,priority:1"`
	ScheduledStart  time.Time  `gorm:"not null;index:idx_bookings_payee_start,priority:2;index:idx_bookings_status_start,priority:2"`
	ScheduledEnd    time.Time  `gorm:"not null"`
	DurationMinutes int        `gorm:"not null"`
	ReservedCredits int64      `gorm:"not null"`
	Payout          int64      `gorm:"not null"`
	PlatformFee     int64      `gorm:"not null"`
	Status          string     `gorm:"not null;index:idx_bookings_status_start,priority:1"`
	RoomURL         string     `gorm:"not null;default:''"`
	PayerJoinedAt   *time.Time `gorm:""`
	PayeeJoinedAt   *time.Time `gorm:""`
	StartedAt       *time.Time `gorm:""`
	EndedAt         *time.Time `gorm:""`
	SettledAt       *time.Time `gorm:"index:idx_bookings_settled"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// AvailabilitySchedule holds one payee's schedule settings.
type AvailabilitySchedule struct {
	PayeeID   string    `gorm:"primaryKey"`
	TimeZone  string    `gorm:"not null;default:''"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AvailabilitySchedule) TableName() string { return "availability_schedules" }

// AvailabilityWindow mirrors the availability_windows table.
type AvailabilityWindow struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	PayeeID   string `gorm:"not null;index:idx_availability_payee"`
	Weekday   int    `gorm:"not null"`
	StartTime string `gorm:"not null"`
	EndTime   string `gorm:"not null"`
}

func (AvailabilityWindow) TableName() string { return "availability_windows" }

func (window *AvailabilityWindow) BeforeCreate(tx *gorm.DB) error {
	if window.ID == "" {
		window.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Account{},
		&LedgerEntry{},
		&Reservation{},
		&Booking{},
		&AvailabilitySchedule{},
		&AvailabilityWindow{},
	}
}
