package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationImportLegacyRecords = "2026-10-15_import_legacy_records"

// legacyCollection maps a collection written by the first mobile release to its current name,
// and each legacy payload key to the key the service reads.
type legacyCollection struct {
	legacy  string
	current string
	fields  map[string]string
}

var legacyCollections = []legacyCollection{
	{
		legacy:  "nasabah",
		current: "customer",
		fields: map[string]string{
			"nama":         "name",
			"telepon":      "phone",
			"alamat":       "address",
			"totalSetoran": "totalDeposited",
		},
	},
	{
		legacy:  "setoran",
		current: "deposit",
		fields: map[string]string{
			"nasabahId":   "customerId",
			"namaNasabah": "customerName",
			"jenisSampah": "wasteType",
			"berat":       "weight",
			"tanggal":     "timestamp",
		},
	},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationImportLegacyRecords, apply: importLegacyRecords},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// importLegacyRecords moves legacy documents into their current collection and renames their
// payload keys. A legacy document whose key is already taken in the current collection stays
// where it is. Current documents still carrying legacy keys are rewritten in place.
func importLegacyRecords(db *gorm.DB) error {
	for _, collection := range legacyCollections {
		if err := collection.translateCurrent(db); err != nil {
			return err
		}
		if err := collection.moveLegacy(db); err != nil {
			return err
		}
	}
	return nil
}

func (c legacyCollection) translateCurrent(db *gorm.DB) error {
	var documents []store.Document
	if err := db.Where("collection = ?", c.current).Find(&documents).Error; err != nil {
		return err
	}
	for _, document := range documents {
		payload, changed := c.translate(document.PayloadJSON)
		if !changed {
			continue
		}
		if err := db.Model(&store.Document{}).
			Where("collection = ? AND doc_key = ?", c.current, document.Key).
			Update("payload_json", payload).Error; err != nil {
			return err
		}
	}
	return nil
}

func (c legacyCollection) moveLegacy(db *gorm.DB) error {
	taken := db.Model(&store.Document{}).
		Select("doc_key").
		Where("collection = ?", c.current)
	var documents []store.Document
	if err := db.Where("collection = ? AND doc_key NOT IN (?)", c.legacy, taken).
		Find(&documents).Error; err != nil {
		return err
	}
	for _, document := range documents {
		payload, _ := c.translate(document.PayloadJSON)
		if err := db.Model(&store.Document{}).
			Where("collection = ? AND doc_key = ?", c.legacy, document.Key).
			Updates(map[string]any{"collection": c.current, "payload_json": payload}).Error; err != nil {
			return err
		}
	}
	return nil
}

// translate renames legacy keys in a JSON object payload. A current key already present wins
// over its legacy twin. Payloads that are not JSON objects are returned unchanged.
func (c legacyCollection) translate(payloadJSON string) (string, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil || payload == nil {
		return payloadJSON, false
	}
	changed := false
	for legacyKey, currentKey := range c.fields {
		value, found := payload[legacyKey]
		if !found {
			continue
		}
		if _, taken := payload[currentKey]; !taken {
			payload[currentKey] = value
		}
		delete(payload, legacyKey)
		changed = true
	}
	if !changed {
		return payloadJSON, false
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return payloadJSON, false
	}
	return string(encoded), true
}
