package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is the ordinal risk classification: none < low < medium < high < critical.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"none", "low", "medium", "high", "critical"}

func (l RiskLevel) String() string {
	if l < RiskNone || l > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return riskLevelNames[l]
}

// ParseRiskLevel resolves a level from its lowercase name.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range riskLevelNames {
		if n == name {
			return RiskLevel(i), nil
		}
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", raw)
}

// MarshalJSON encodes the level by name.
func (l RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level from its name.
func (l *RiskLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Value stores the level by name.
func (l RiskLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// Scan reads a level stored by name.
func (l *RiskLevel) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseRiskLevel(v)
		if err != nil {
			return err
		}
		*l = parsed
	case []byte:
		parsed, err := ParseRiskLevel(string(v))
		if err != nil {
			return err
		}
		*l = parsed
	case nil:
		*l = RiskNone
	default:
		return fmt.Errorf("cannot scan %T into RiskLevel", src)
	}
	return nil
}
