package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	// CollectionCustomer holds nasabah records.
	CollectionCustomer = "customer"
	// CollectionDeposit holds setoran records.
	CollectionDeposit = "deposit"

	maxFieldLength = 190
)

var (
	// ErrInvalidCustomerID indicates that a customer identifier is empty or exceeds storage bounds.
	ErrInvalidCustomerID = errors.New("bank: invalid customer id")
	// ErrInvalidDepositID indicates that a deposit identifier is empty or exceeds storage bounds.
	ErrInvalidDepositID = errors.New("bank: invalid deposit id")
	// ErrInvalidField indicates that a required text field is empty or too long.
	ErrInvalidField = errors.New("bank: invalid field")
	// ErrInvalidWeight indicates that a weight is missing, non-numeric, negative or not finite.
	ErrInvalidWeight = errors.New("bank: invalid weight")
	// ErrInvalidTimestamp indicates that a deposit timestamp is not ISO-8601.
	ErrInvalidTimestamp = errors.New("bank: invalid timestamp")
	// ErrEmptySubmission indicates that a deposit submission carried no line items.
	ErrEmptySubmission = errors.New("bank: submission has no items")
	// ErrUnknownCustomer indicates that a submission referenced a customer that does not exist.
	ErrUnknownCustomer = errors.New("bank: unknown customer")
)

// CustomerID represents a validated customer key.
type CustomerID string

// NewCustomerID validates raw input and returns a CustomerID.
func NewCustomerID(rawInput string) (CustomerID, error) {
	trimmed, err := requireText(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}
	return CustomerID(trimmed), nil
}

// String returns the underlying key.
func (id CustomerID) String() string {
	return string(id)
}

// DepositID represents a validated deposit key.
type DepositID string

// NewDepositID validates raw input and returns a DepositID.
func NewDepositID(rawInput string) (DepositID, error) {
	trimmed, err := requireText(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDepositID, err)
	}
	return DepositID(trimmed), nil
}

// String returns the underlying key.
func (id DepositID) String() string {
	return string(id)
}

// Weight is a validated deposit weight in kilograms.
type Weight float64

// NewWeight rejects negative and non-finite values.
func NewWeight(value float64) (Weight, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: not finite", ErrInvalidWeight)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: %v is negative", ErrInvalidWeight, value)
	}
	return Weight(value), nil
}

// ParseWeight accepts a JSON number or a numeric string.
func ParseWeight(raw any) (Weight, error) {
	switch value := raw.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrInvalidWeight)
	case bool:
		return 0, fmt.Errorf("%w: boolean", ErrInvalidWeight)
	case json.Number:
		raw = value.String()
	case string:
		if strings.TrimSpace(value) == "" {
			return 0, fmt.Errorf("%w: empty", ErrInvalidWeight)
		}
		raw = strings.TrimSpace(value)
	}
	parsed, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidWeight, err)
	}
	return NewWeight(parsed)
}

// Float64 exposes the raw kilogram value.
func (w Weight) Float64() float64 {
	return float64(w)
}

// Customer is a registered nasabah with its denormalized running total.
type Customer struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Phone          string  `json:"phone"`
	Address        string  `json:"address"`
	TotalDeposited float64 `json:"totalDeposited"`
}

// Deposit is one setoran line item.
type Deposit struct {
	ID           string  `json:"id"`
	CustomerID   string  `json:"customerId"`
	CustomerName string  `json:"customerName"`
	WasteType    string  `json:"wasteType"`
	Weight       float64 `json:"weight"`
	Timestamp    string  `json:"timestamp"`
}

// CustomerFields carries the identity fields of a registration.
type CustomerFields struct {
	Name    string
	Phone   string
	Address string
}

// NewCustomerFields requires every field to be non-blank.
func NewCustomerFields(name, phone, address string) (CustomerFields, error) {
	var fields CustomerFields
	var err error
	if fields.Name, err = requireNamedText("name", name); err != nil {
		return CustomerFields{}, err
	}
	if fields.Phone, err = requireNamedText("phone", phone); err != nil {
		return CustomerFields{}, err
	}
	if fields.Address, err = requireNamedText("address", address); err != nil {
		return CustomerFields{}, err
	}
	return fields, nil
}

// CustomerUpdate is a partial edit of identity fields. Nil fields are left untouched.
type CustomerUpdate struct {
	Name    *string
	Phone   *string
	Address *string
}

// Validate rejects blank values for supplied fields and trims them in place.
func (u *CustomerUpdate) Validate() error {
	targets := []struct {
		name  string
		value *string
	}{
		{name: "name", value: u.Name},
		{name: "phone", value: u.Phone},
		{name: "address", value: u.Address},
	}
	for _, target := range targets {
		if target.value == nil {
			continue
		}
		trimmed, err := requireNamedText(target.name, *target.value)
		if err != nil {
			return err
		}
		*target.value = trimmed
	}
	return nil
}

// IsEmpty reports whether no field is supplied.
func (u CustomerUpdate) IsEmpty() bool {
	return u.Name == nil && u.Phone == nil && u.Address == nil
}

func (u CustomerUpdate) fields() map[string]any {
	fields := map[string]any{}
	if u.Name != nil {
		fields["name"] = *u.Name
	}
	if u.Phone != nil {
		fields["phone"] = *u.Phone
	}
	if u.Address != nil {
		fields["address"] = *u.Address
	}
	return fields
}

// DepositFields carries a single validated line item bound to a customer.
type DepositFields struct {
	CustomerID   CustomerID
	CustomerName string
	WasteType    string
	Weight       Weight
}

// NewDepositFields validates a line item.
func NewDepositFields(customerID CustomerID, customerName, wasteType string, weight Weight) (DepositFields, error) {
	if customerID == "" {
		return DepositFields{}, fmt.Errorf("%w: empty", ErrInvalidCustomerID)
	}
	name, err := requireNamedText("customerName", customerName)
	if err != nil {
		return DepositFields{}, err
	}
	kind, err := requireNamedText("wasteType", wasteType)
	if err != nil {
		return DepositFields{}, err
	}
	if _, err := NewWeight(weight.Float64()); err != nil {
		return DepositFields{}, err
	}
	return DepositFields{
		CustomerID:   customerID,
		CustomerName: name,
		WasteType:    kind,
		Weight:       weight,
	}, nil
}

// LineItem is one waste-type and weight pair of a multi-item submission.
type LineItem struct {
	WasteType string
	Weight    Weight
}

// DepositUpdate is a partial edit of a deposit. Nil fields are left untouched.
type DepositUpdate struct {
	WasteType *string
	Weight    *Weight
	Timestamp *string
}

// Validate rejects a blank waste type, an invalid weight and a malformed timestamp.
func (u *DepositUpdate) Validate() error {
	if u.WasteType != nil {
		trimmed, err := requireNamedText("wasteType", *u.WasteType)
		if err != nil {
			return err
		}
		*u.WasteType = trimmed
	}
	if u.Weight != nil {
		if _, err := NewWeight(u.Weight.Float64()); err != nil {
			return err
		}
	}
	if u.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*u.Timestamp))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
		}
		formatted := formatTimestamp(parsed)
		*u.Timestamp = formatted
	}
	return nil
}

// IsEmpty reports whether no field is supplied.
func (u DepositUpdate) IsEmpty() bool {
	return u.WasteType == nil && u.Weight == nil && u.Timestamp == nil
}

func (u DepositUpdate) fields() map[string]any {
	fields := map[string]any{}
	if u.WasteType != nil {
		fields["wasteType"] = *u.WasteType
	}
	if u.Weight != nil {
		fields["weight"] = u.Weight.Float64()
	}
	if u.Timestamp != nil {
		fields["timestamp"] = *u.Timestamp
	}
	return fields
}

// customerRecord is the stored shape of `customer/<id>`.
type customerRecord struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	TotalDeposited any    `json:"totalDeposited"`
	NasabahID      string `json:"nasabahId"`
}

// depositRecord is the stored shape of `deposit/<id>`.
type depositRecord struct {
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
	WasteType    string `json:"wasteType"`
	Weight       any    `json:"weight"`
	Timestamp    string `json:"timestamp"`
}

// coerceNumber converts a stored value to float64. Absent, non-numeric and non-finite values yield ok false.
func coerceNumber(raw any) (float64, bool) {
	switch value := raw.(type) {
	case nil, bool:
		return 0, false
	case json.Number:
		raw = value.String()
	case string:
		raw = strings.TrimSpace(value)
	}
	value, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func requireText(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxFieldLength {
		return "", fmt.Errorf("exceeds %d characters", maxFieldLength)
	}
	return trimmed, nil
}

func requireNamedText(name, rawInput string) (string, error) {
	trimmed, err := requireText(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %s %v", ErrInvalidField, name, err)
	}
	return trimmed, nil
}
