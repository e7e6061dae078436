package mitre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/models"
)

func TestLookup(t *testing.T) {
	c := NewCatalog(zap.NewNop())

	tech, ok := c.Technique("t1059.001")
	require.True(t, ok)
	assert.Equal(t, "PowerShell", tech.Name)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1059/001/", tech.URL)

	tac, ok := c.Tactic("TA0011")
	require.True(t, ok)
	assert.Equal(t, "Command and Control", tac.Name)

	tac, ok = c.Tactic("command-and-control")
	require.True(t, ok)
	assert.Equal(t, "TA0011", tac.ID)

	_, ok = c.Technique("T9999")
	assert.False(t, ok)
}

func TestTechniquesSorted(t *testing.T) {
	all := NewCatalog(zap.NewNop()).Techniques()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
}

func TestAnnotate(t *testing.T) {
	c := NewCatalog(zap.NewNop())

	e := models.TTPEntry{TTPID: "ttp_t1566_001", MitreID: "T1566.001"}
	c.Annotate(&e)
	assert.Equal(t, "Spearphishing Attachment", e.Technique)
	assert.Equal(t, "Initial Access", e.Tactic)

	kept := models.TTPEntry{MitreID: "T1071", Technique: "Web Protocols", Tactic: "C2"}
	c.Annotate(&kept)
	assert.Equal(t, "Web Protocols", kept.Technique)
	assert.Equal(t, "C2", kept.Tactic)
}

func TestTTPNodeID(t *testing.T) {
	assert.Equal(t, "ttp_t1059_001", TTPNodeID("T1059.001"))
}

func TestMapIOC(t *testing.T) {
	c := NewCatalog(zap.NewNop())

	tests := []struct {
		name  string
		typ   models.IOCType
		value string
		want  []string
	}{
		{"ip", models.IOCTypeIP, "192.168.1.100", []string{"T1071"}},
		{"plain domain", models.IOCTypeDomain, "evil-cdn.net", []string{"T1071"}},
		{"dga domain", models.IOCTypeDomain, "xk2j9qpz7wv4mb.example.com", []string{"T1071", "T1568.002"}},
		{"hash", models.IOCTypeHash, "a1b2c3d4e5f6789012345678901234567890abcd", []string{"T1204"}},
		{"mimikatz", models.IOCTypeFilePath, `C:\Temp\mimikatz.exe`, []string{"T1003"}},
		{"run key", models.IOCTypeRegistryKey, `HKCU\Software\Microsoft\Windows\CurrentVersion\Run\updater`, []string{"T1547.001"}},
		{"email", models.IOCTypeEmail, "attacker@example.com", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range c.MapIOC(tt.typ, tt.value) {
				got = append(got, m.TechniqueID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
