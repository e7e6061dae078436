// Package models defines the threat-intelligence entities stored in the graph.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lvonguyen/threatgraph/internal/apperr"
)

// IOCType is the kind of observable an indicator describes.
type IOCType string

const (
	IOCTypeIP          IOCType = "ip_address"
	IOCTypeDomain      IOCType = "domain"
	IOCTypeURL         IOCType = "url"
	IOCTypeEmail       IOCType = "email"
	IOCTypeHash        IOCType = "hash"
	IOCTypeFilePath    IOCType = "file_path"
	IOCTypeRegistryKey IOCType = "registry_key"
	IOCTypeMutex       IOCType = "mutex"
	IOCTypeCertificate IOCType = "certificate"
)

var iocTypes = map[string]IOCType{
	"ip_address":   IOCTypeIP,
	"ip":           IOCTypeIP,
	"domain":       IOCTypeDomain,
	"url":          IOCTypeURL,
	"email":        IOCTypeEmail,
	"hash":         IOCTypeHash,
	"file_path":    IOCTypeFilePath,
	"registry_key": IOCTypeRegistryKey,
	"mutex":        IOCTypeMutex,
	"certificate":  IOCTypeCertificate,
}

// ParseIOCType accepts the canonical names plus "ip".
func ParseIOCType(s string) (IOCType, error) {
	if t, ok := iocTypes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", apperr.Validation("unknown ioc type %q", s)
}

// IsIOCType reports whether s names an indicator type.
func IsIOCType(s string) bool {
	_, err := ParseIOCType(s)
	return err == nil
}

func (t *IOCType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseIOCType(s)
		*t = v
		return err
	})
}

// IOCCategory classifies the malicious role of an indicator.
type IOCCategory string

const (
	CategoryMalware              IOCCategory = "malware"
	CategoryAttackInfrastructure IOCCategory = "attack_infrastructure"
	CategoryCompromised          IOCCategory = "compromised"
	CategorySuspicious           IOCCategory = "suspicious"
	CategoryPhishing             IOCCategory = "phishing"
	CategoryC2                   IOCCategory = "command_and_control"
	CategoryLateralMovement      IOCCategory = "lateral_movement"
	CategoryDataExfiltration     IOCCategory = "data_exfiltration"
)

var iocCategories = []IOCCategory{
	CategoryMalware, CategoryAttackInfrastructure, CategoryCompromised, CategorySuspicious,
	CategoryPhishing, CategoryC2, CategoryLateralMovement, CategoryDataExfiltration,
}

func ParseIOCCategory(s string) (IOCCategory, error) {
	for _, c := range iocCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", apperr.Validation("unknown ioc category %q", s)
}

func (c *IOCCategory) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseIOCCategory(s)
		*c = v
		return err
	})
}

// Motivation is a threat actor's primary driver.
type Motivation string

const (
	MotivationEspionage  Motivation = "espionage"
	MotivationFinancial  Motivation = "financial"
	MotivationHacktivism Motivation = "hacktivism"
	MotivationTerrorism  Motivation = "terrorism"
	MotivationWarfare    Motivation = "warfare"
	MotivationCriminal   Motivation = "criminal"
	MotivationUnknown    Motivation = "unknown"
)

var motivations = []Motivation{
	MotivationEspionage, MotivationFinancial, MotivationHacktivism, MotivationTerrorism,
	MotivationWarfare, MotivationCriminal, MotivationUnknown,
}

func ParseMotivation(s string) (Motivation, error) {
	for _, m := range motivations {
		if string(m) == s {
			return m, nil
		}
	}
	return "", apperr.Validation("unknown motivation %q", s)
}

func (m *Motivation) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseMotivation(s)
		*m = v
		return err
	})
}

// ActorStatus is the operational state of a threat actor.
type ActorStatus string

const (
	ActorActive    ActorStatus = "active"
	ActorInactive  ActorStatus = "inactive"
	ActorDisrupted ActorStatus = "disrupted"
	ActorUnknown   ActorStatus = "unknown"
)

var actorStatuses = []ActorStatus{ActorActive, ActorInactive, ActorDisrupted, ActorUnknown}

func ParseActorStatus(s string) (ActorStatus, error) {
	for _, st := range actorStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.Validation("unknown actor status %q", s)
}

func (a *ActorStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseActorStatus(s)
		*a = v
		return err
	})
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignInactive  CampaignStatus = "inactive"
	CampaignCompleted CampaignStatus = "completed"
	CampaignSuspended CampaignStatus = "suspended"
	CampaignUnknown   CampaignStatus = "unknown"
)

var campaignStatuses = []CampaignStatus{
	CampaignActive, CampaignInactive, CampaignCompleted, CampaignSuspended, CampaignUnknown,
}

func ParseCampaignStatus(s string) (CampaignStatus, error) {
	for _, st := range campaignStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.Validation("unknown campaign status %q", s)
}

func (c *CampaignStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseCampaignStatus(s)
		*c = v
		return err
	})
}

// ThreatLevel is the ordered risk classification derived for an asset.
type ThreatLevel string

const (
	ThreatLevelUnknown  ThreatLevel = "unknown"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

// Rank orders threat levels from unknown (0) to critical (4).
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLevelLow:
		return 1
	case ThreatLevelMedium:
		return 2
	case ThreatLevelHigh:
		return 3
	case ThreatLevelCritical:
		return 4
	default:
		return 0
	}
}

func unmarshalEnum(b []byte, parse func(string) error) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("enum value must be a string: %w", err)
	}
	return parse(s)
}
