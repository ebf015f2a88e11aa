package models

import (
	"time"

	"github.com/google/uuid"
)

// EncryptedField is one AEAD-sealed expense attribute.
type EncryptedField struct {
	Ciphertext []byte `json:"ciphertext"`
}

// ExpensePlaintext holds the sensitive attributes of an expense in the clear.
// Amount is carried as text so it is encrypted exactly as entered.
type ExpensePlaintext struct {
	ID          uuid.UUID `json:"id"`
	GroupID     uuid.UUID `json:"group_id"`
	Title       string    `json:"title"`
	Amount      string    `json:"amount"`
	Description string    `json:"description"`
}

// ExpenseCiphertext is the encrypted form of an expense's sensitive attributes.
// Nonce is the per-record base nonce; each field uses a distinct nonce derived from it.
type ExpenseCiphertext struct {
	KeyOwnerID  uuid.UUID      `json:"key_owner_id"`
	Algorithm   string         `json:"algorithm"`
	Nonce       []byte         `json:"nonce"`
	Title       EncryptedField `json:"title"`
	Amount      EncryptedField `json:"amount"`
	Description EncryptedField `json:"description"`
}

// Expense is the persisted expense row. Only non-sensitive metadata is stored in the clear.
type Expense struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	Data      ExpenseCiphertext
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Group is a set of members sharing one master secret.
type Group struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	KeyTag    uuid.UUID  `json:"key_tag"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}
