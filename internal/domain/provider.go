package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderID identifies one of the supported upstream vendors. The zero
// value is ProviderNone, used to tag failures no provider could serve.
type ProviderID int

const (
	ProviderNone ProviderID = iota
	ProviderAnthropic
	ProviderOpenAI
)

// Providers lists every concrete provider in fallback order.
var Providers = []ProviderID{ProviderAnthropic, ProviderOpenAI}

func (p ProviderID) String() string {
	switch p {
	case ProviderAnthropic:
		return "anthropic"
	case ProviderOpenAI:
		return "openai"
	case ProviderNone:
		return "none"
	}
	return fmt.Sprintf("provider(%d)", int(p))
}

// Alternate returns the provider used as fallback for p.
func (p ProviderID) Alternate() ProviderID {
	switch p {
	case ProviderAnthropic:
		return ProviderOpenAI
	case ProviderOpenAI:
		return ProviderAnthropic
	}
	return ProviderNone
}

func ParseProviderID(s string) (ProviderID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "openai", "gpt":
		return ProviderOpenAI, nil
	}
	return ProviderNone, fmt.Errorf("unknown provider %q", s)
}

func (p ProviderID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *ProviderID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "none" {
		*p = ProviderNone
		return nil
	}
	id, err := ParseProviderID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}
