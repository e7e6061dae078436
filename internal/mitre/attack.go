// Package mitre holds the MITRE ATT&CK techniques and tactics the graph
// knows about: TTP nodes are seeded from it, campaign timelines are
// annotated from it, and feed indicators get technique suggestions from it.
package mitre

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/models"
)

// Catalog is an immutable ATT&CK lookup table.
type Catalog struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1059"
	Name    string   `json:"name"`    // e.g., "Command and Scripting Interpreter"
	Tactics []string `json:"tactics"` // short names, e.g. ["execution"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// Mapping is a technique suggested for an indicator.
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"`
	Evidence      string  `json:"evidence"`
}

// NewCatalog builds the catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	c := &Catalog{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}
	c.initializeTechniques()
	c.initializeTactics()
	return c
}

// Technique returns a technique by ID, case-insensitively.
func (c *Catalog) Technique(id string) (*Technique, bool) {
	t, ok := c.techniques[strings.ToUpper(strings.TrimSpace(id))]
	return t, ok
}

// Tactic returns a tactic by ID or short name.
func (c *Catalog) Tactic(id string) (*Tactic, bool) {
	t, ok := c.tactics[strings.ToLower(id)]
	return t, ok
}

// Techniques returns every technique ordered by ID.
func (c *Catalog) Techniques() []*Technique {
	out := make([]*Technique, 0, len(c.techniques))
	for _, t := range c.techniques {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PrimaryTactic returns the display name of the technique's first tactic.
func (c *Catalog) PrimaryTactic(t *Technique) string {
	if len(t.Tactics) == 0 {
		return ""
	}
	if tac, ok := c.Tactic(t.Tactics[0]); ok {
		return tac.Name
	}
	return t.Tactics[0]
}

// Annotate fills a timeline TTP entry's technique and tactic names from the
// catalog where the graph node left them empty.
func (c *Catalog) Annotate(e *models.TTPEntry) {
	t, ok := c.Technique(e.MitreID)
	if !ok {
		return
	}
	if e.Technique == "" {
		e.Technique = t.Name
	}
	if e.Tactic == "" {
		e.Tactic = c.PrimaryTactic(t)
	}
}

// TTPNodeID is the graph id of the TTP node seeded for a technique.
func TTPNodeID(techniqueID string) string {
	return "ttp_" + strings.ToLower(strings.ReplaceAll(techniqueID, ".", "_"))
}

// MapIOC suggests techniques for an indicator.
func (c *Catalog) MapIOC(iocType models.IOCType, value string) []Mapping {
	switch iocType {
	case models.IOCTypeIP:
		return c.mapIPIndicator(value)
	case models.IOCTypeDomain, models.IOCTypeURL:
		return c.mapDomainIndicator(value)
	case models.IOCTypeHash:
		return c.mapHashIndicator(value)
	case models.IOCTypeFilePath:
		return c.mapFileIndicator(value)
	case models.IOCTypeRegistryKey:
		return c.mapRegistryIndicator(value)
	default:
		c.logger.Debug("No ATT&CK mapping for indicator type", zap.String("type", string(iocType)))
		return nil
	}
}

func (c *Catalog) mapIPIndicator(ip string) []Mapping {
	return []Mapping{
		{
			TechniqueID:   "T1071",
			TechniqueName: "Application Layer Protocol",
			TacticID:      "TA0011",
			TacticName:    "Command and Control",
			Confidence:    0.6,
			Evidence:      fmt.Sprintf("IP indicator: %s", ip),
		},
	}
}

func (c *Catalog) mapDomainIndicator(domain string) []Mapping {
	mappings := []Mapping{
		{
			TechniqueID:   "T1071",
			TechniqueName: "Application Layer Protocol",
			TacticID:      "TA0011",
			TacticName:    "Command and Control",
			Confidence:    0.7,
			Evidence:      fmt.Sprintf("Domain indicator: %s", domain),
		},
	}

	if looksDGA(domain) {
		mappings = append(mappings, Mapping{
			TechniqueID:   "T1568.002",
			TechniqueName: "Domain Generation Algorithms",
			TacticID:      "TA0011",
			TacticName:    "Command and Control",
			Confidence:    0.8,
			Evidence:      fmt.Sprintf("Potential DGA domain: %s", domain),
		})
	}
	return mappings
}

func (c *Catalog) mapHashIndicator(hash string) []Mapping {
	return []Mapping{
		{
			TechniqueID:   "T1204",
			TechniqueName: "User Execution",
			TacticID:      "TA0002",
			TacticName:    "Execution",
			Confidence:    0.5,
			Evidence:      fmt.Sprintf("Malicious file hash: %s", hash),
		},
	}
}

func (c *Catalog) mapFileIndicator(path string) []Mapping {
	lower := strings.ToLower(path)
	var mappings []Mapping

	if strings.Contains(lower, "mimikatz") {
		mappings = append(mappings, Mapping{
			TechniqueID:   "T1003",
			TechniqueName: "OS Credential Dumping",
			TacticID:      "TA0006",
			TacticName:    "Credential Access",
			Confidence:    0.9,
			Evidence:      fmt.Sprintf("Mimikatz-related file: %s", path),
		})
	}
	if strings.Contains(lower, "powershell") {
		mappings = append(mappings, Mapping{
			TechniqueID:   "T1059.001",
			TechniqueName: "PowerShell",
			TacticID:      "TA0002",
			TacticName:    "Execution",
			Confidence:    0.6,
			Evidence:      fmt.Sprintf("PowerShell artifact: %s", path),
		})
	}
	return mappings
}

func (c *Catalog) mapRegistryIndicator(regPath string) []Mapping {
	lower := strings.ToLower(regPath)
	if !strings.Contains(lower, `\run`) {
		return nil
	}
	return []Mapping{
		{
			TechniqueID:   "T1547.001",
			TechniqueName: "Registry Run Keys / Startup Folder",
			TacticID:      "TA0003",
			TacticName:    "Persistence",
			Confidence:    0.8,
			Evidence:      fmt.Sprintf("Registry persistence: %s", regPath),
		},
	}
}

// looksDGA flags long, high-entropy leftmost labels.
func looksDGA(domain string) bool {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}
	sub := parts[0]
	return len(sub) > 12 && hasHighEntropy(sub)
}

func hasHighEntropy(s string) bool {
	chars := make(map[rune]bool)
	for _, c := range s {
		chars[c] = true
	}
	return float64(len(chars))/float64(len(s)) > 0.6
}

func (c *Catalog) initializeTechniques() {
	techniques := []*Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		{ID: "T1003.001", Name: "LSASS Memory", Tactics: []string{"credential-access"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1059.003", Name: "Windows Command Shell", Tactics: []string{"execution"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1547.001", Name: "Registry Run Keys / Startup Folder", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		{ID: "T1566.001", Name: "Spearphishing Attachment", Tactics: []string{"initial-access"}},
		{ID: "T1568", Name: "Dynamic Resolution", Tactics: []string{"command-and-control"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		c.techniques[t.ID] = t
	}
}

func (c *Catalog) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		c.tactics[strings.ToLower(t.ShortName)] = t
		c.tactics[strings.ToLower(t.ID)] = t
	}
}
