// Package catalog defines the persisted game-catalog data model: records,
// deal quotes, the id-map, and the metadata envelope wrapped around the
// games-data key.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DataVersion is stamped into every catalog envelope.
const DataVersion = "1.0.0"

// IDMapEntry associates a storefront app-id with its optional
// price-history id.
type IDMapEntry struct {
	ID     string `json:"id"`
	ItadID string `json:"itadId,omitempty"`
}

// Amount is a whole-currency integer that serializes as the string "-"
// when no value is available.
type Amount struct {
	Value int
	Valid bool
}

// Int returns a valid Amount.
func Int(v int) Amount { return Amount{Value: v, Valid: true} }

// None is the missing-value sentinel, serialized as "-".
var None = Amount{}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Valid {
		return []byte(`"-"`), nil
	}
	return json.Marshal(a.Value)
}

func (a *Amount) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		// Any string payload is treated as missing; upstream only emits "-".
		*a = Amount{}
		return nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		// Tolerate fractional amounts from older data.
		var f float64
		if ferr := json.Unmarshal(raw, &f); ferr != nil {
			return fmt.Errorf("amount: %w", err)
		}
		v = int(f)
	}
	*a = Amount{Value: v, Valid: true}
	return nil
}

// DealQuote is a price quote for one currency: current price, list price,
// discount percent, and the all-time low on this storefront. NoItadData
// marks quotes synthesized from the storefront alone.
type DealQuote struct {
	Price      Amount `json:"price"`
	Regular    Amount `json:"regular"`
	Cut        int    `json:"cut"`
	StoreLow   Amount `json:"storeLow"`
	NoItadData bool   `json:"noItadData,omitempty"`
}

// Platforms maps OS support flags for a record.
type Platforms struct {
	Windows bool `json:"windows"`
	Mac     bool `json:"mac"`
	Linux   bool `json:"linux"`
}

// GameRecord is one entry of the aggregated catalog, keyed by app-id.
type GameRecord struct {
	ID                 string               `json:"id"`
	ItadID             *string              `json:"itadId"`
	Title              string               `json:"title"`
	StoreURL           string               `json:"storeUrl"`
	ImageURL           string               `json:"imageUrl"`
	ReviewScore        string               `json:"reviewScore"`
	Deal               map[string]DealQuote `json:"deal"`
	Genres             []string             `json:"genres"`
	Tags               []string             `json:"tags"`
	ReleaseDate        string               `json:"releaseDate"`
	Developers         []string             `json:"developers"`
	Publishers         []string             `json:"publishers"`
	Platforms          Platforms            `json:"platforms"`
	SupportedLanguages string               `json:"supportedLanguages"`
}

// Meta describes one persisted catalog build.
type Meta struct {
	LastUpdated string            `json:"last_updated"`
	DataVersion string            `json:"data_version"`
	Source      map[string]bool   `json:"source"`
	BuildID     string            `json:"build_id"`
	RecordCount int               `json:"record_count"`
}

// Envelope is the persisted layout of the games-data key.
type Envelope struct {
	Meta  Meta         `json:"meta"`
	Games []GameRecord `json:"games"`
}

// NewEnvelope wraps records in a fresh envelope. lastUpdated is used as-is
// when non-empty (append mode preserves the prior timestamp); otherwise the
// current UTC time is stamped.
func NewEnvelope(games []GameRecord, lastUpdated string) Envelope {
	if lastUpdated == "" {
		lastUpdated = time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
	}
	return Envelope{
		Meta: Meta{
			LastUpdated: lastUpdated,
			DataVersion: DataVersion,
			Source:      map[string]bool{"steam": true, "itad": true},
			BuildID:     uuid.NewString(),
			RecordCount: len(games),
		},
		Games: games,
	}
}

// DecodeGames accepts both the enveloped layout and the legacy bare-list
// layout and returns the records.
func DecodeGames(raw []byte) ([]GameRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var games []GameRecord
		if err := json.Unmarshal(trimmed, &games); err != nil {
			return nil, fmt.Errorf("decode games list: %w", err)
		}
		return games, nil
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode games envelope: %w", err)
	}
	return env.Games, nil
}

// DecodeMeta extracts the meta block from an enveloped payload, returning
// ok=false for the legacy bare-list layout.
func DecodeMeta(raw []byte) (Meta, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return Meta{}, false
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Meta{}, false
	}
	return env.Meta, true
}
