package merge_test

import (
	"errors"
	"testing"

	"github.com/honeyscan/honeyscan/internal/merge"
	"github.com/honeyscan/honeyscan/internal/model"

	"github.com/stretchr/testify/require"
)

func web(source string, sev model.Severity, desc string) model.Finding {
	return model.Finding{
		Target:       "10.0.0.5",
		Port:         80,
		Protocol:     model.ProtocolTCP,
		Category:     "web",
		Severity:     sev,
		SourcePlugin: source,
		Description:  desc,
	}
}

func TestMerge_NmapNikto(t *testing.T) {
	t.Parallel()
	res := merge.Merge([]model.Finding{
		web("nmap", model.SeverityInfo, ""),
		web("nikto", model.SeverityMedium, "outdated server banner"),
	})
	require.Empty(t, res.Rejected)
	require.Zero(t, res.Dropped)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	require.Equal(t, model.SeverityMedium, f.Severity)
	require.Equal(t, "nmap+nikto", f.SourcePlugin)
	require.Equal(t, "outdated server banner", f.Description)
}

func TestMerge_SeverityIsMax(t *testing.T) {
	t.Parallel()
	res := merge.Merge([]model.Finding{
		web("a", model.SeverityLow, "x"),
		web("b", model.SeverityHigh, ""),
		web("c", model.SeverityMedium, ""),
	})
	require.Len(t, res.Findings, 1)
	require.Equal(t, model.SeverityHigh, res.Findings[0].Severity)
	require.Equal(t, "a+b+c", res.Findings[0].SourcePlugin)
}

func TestMerge_InformativenessFilter(t *testing.T) {
	t.Parallel()
	t.Run("dropped without partner", func(t *testing.T) {
		res := merge.Merge([]model.Finding{web("nmap", model.SeverityInfo, "")})
		require.Empty(t, res.Findings)
		require.Equal(t, 1, res.Dropped)
	})
	t.Run("retained with partner", func(t *testing.T) {
		partner := web("nikto", model.SeverityInfo, "server leaks inodes via ETags")
		res := merge.Merge([]model.Finding{web("nmap", model.SeverityInfo, ""), partner})
		require.Len(t, res.Findings, 1)
		require.Equal(t, model.SeverityInfo, res.Findings[0].Severity)
		require.Zero(t, res.Dropped)
	})
	t.Run("open port without severity is kept", func(t *testing.T) {
		f := model.Finding{
			Target:       "10.0.0.5",
			Port:         443,
			Protocol:     model.ProtocolTCP,
			ServiceName:  "https",
			Category:     "network",
			SourcePlugin: "nmap",
		}
		res := merge.Merge([]model.Finding{f})
		require.Zero(t, res.Dropped)
		require.Len(t, res.Findings, 1)
		require.Equal(t, model.SeverityNone, res.Findings[0].Severity)
		require.Equal(t, "https", res.Findings[0].ServiceName)
	})
	t.Run("references keep it", func(t *testing.T) {
		f := web("nuclei", model.SeverityInfo, "")
		f.References = []string{"https://example.com/advisory"}
		res := merge.Merge([]model.Finding{f})
		require.Len(t, res.Findings, 1)
	})
}

func TestMerge_RightBiased(t *testing.T) {
	t.Parallel()
	a := web("nmap", model.SeverityMedium, "first")
	a.Product = "Apache httpd"
	a.Version = "2.4.1"
	a.References = []string{"r1", "r2"}
	a.Meta = model.Meta{"k": "a", "only-a": 1}
	b := web("nikto", model.SeverityLow, "second")
	b.Version = "2.4.58"
	b.References = []string{"r2", "r3"}
	b.Meta = model.Meta{"k": "b"}

	res := merge.Merge([]model.Finding{a, b})
	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	require.Equal(t, "second", f.Description)
	require.Equal(t, "Apache httpd", f.Product)
	require.Equal(t, "2.4.58", f.Version)
	require.Equal(t, []string{"r1", "r2", "r3"}, f.References)
	require.Equal(t, model.Meta{"k": "b", "only-a": 1}, f.Meta)
	require.Equal(t, model.SeverityMedium, f.Severity)
}

func TestMerge_Keys(t *testing.T) {
	t.Parallel()
	a := web("nmap", model.SeverityMedium, "x")
	other := a
	other.Category = "network"
	otherPort := a
	otherPort.Port = 443
	hostOnly := a
	hostOnly.Port = 0
	hostOnly.Protocol = ""
	sameNormalized := a
	sameNormalized.Protocol = "TCP"
	sameNormalized.SourcePlugin = "nmap"

	res := merge.Merge([]model.Finding{a, other, otherPort, hostOnly, sameNormalized})
	require.Len(t, res.Findings, 4)
	require.Equal(t, "nmap", res.Findings[0].SourcePlugin)
	require.Equal(t, "network", res.Findings[1].Category)
	require.Equal(t, 443, res.Findings[2].Port)
	require.Zero(t, res.Findings[3].Port)
}

func TestMerge_Rejects(t *testing.T) {
	t.Parallel()
	bad := web("nmap", model.SeverityHigh, "x")
	bad.Target = ""
	res := merge.Merge([]model.Finding{bad, web("nikto", model.SeverityHigh, "y")})
	require.Len(t, res.Findings, 1)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, 0, res.Rejected[0].Index)
	require.Equal(t, model.ReasonMalformedInput, res.Rejected[0].Code)
	require.True(t, errors.Is(res.Rejected[0], model.ErrMalformedInput))
}

func TestMerge_CompositeLabels(t *testing.T) {
	t.Parallel()
	res := merge.Merge([]model.Finding{
		web("nmap+nikto", model.SeverityHigh, "x"),
		web("nikto", model.SeverityHigh, "x"),
		web("nuclei", model.SeverityHigh, "x"),
	})
	require.Len(t, res.Findings, 1)
	require.Equal(t, "nmap+nikto+nuclei", res.Findings[0].SourcePlugin)
	require.Equal(t, []string{"nmap", "nikto", "nuclei"}, merge.Sources(res.Findings[0].SourcePlugin))
}
