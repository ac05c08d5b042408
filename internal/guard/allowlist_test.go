package guard

import (
	"strings"
	"testing"

	"netops-console/internal/config"
	"netops-console/internal/models"
)

func testPolicy() config.Policy {
	return config.Policy{
		AllowDefault:   []string{"latency_probe", "device_config_pull"},
		AllowLabOnly:   []string{"connection_reset", "malformed_syn_flood"},
		UploadsEnabled: true,
	}
}

func TestAuthorizePrebuilt(t *testing.T) {
	cases := []struct {
		name    string
		labMode bool
		unit    string
		allowed bool
		reason  string
	}{
		{"default list allowed", false, "latency_probe", true, ""},
		{"lab-only denied without lab mode", false, "malformed_syn_flood", false, "lab-only"},
		{"lab-only allowed in lab mode", true, "malformed_syn_flood", true, ""},
		{"unknown always denied", true, "rm_rf_slash", false, "unknown unit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(testPolicy(), tc.labMode)
			d := g.Authorize(models.KindPrebuilt, tc.unit)
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed=%v want %v (reason %q)", d.Allowed, tc.allowed, d.Reason)
			}
			if !tc.allowed && !strings.Contains(d.Reason, tc.reason) {
				t.Fatalf("reason %q does not mention %q", d.Reason, tc.reason)
			}
		})
	}
}

func TestAuthorizeUploaded(t *testing.T) {
	g := New(testPolicy(), false)
	if d := g.Authorize(models.KindUploaded, ""); !d.Allowed {
		t.Fatalf("uploaded should be allowed: %q", d.Reason)
	}

	p := testPolicy()
	p.UploadsEnabled = false
	g.Reload(p)
	if d := g.Authorize(models.KindUploaded, ""); d.Allowed {
		t.Fatal("uploaded should be denied when uploads are disabled")
	}
}

func TestReloadSwapsLists(t *testing.T) {
	g := New(testPolicy(), false)
	if d := g.Authorize(models.KindPrebuilt, "snmp_walk"); d.Allowed {
		t.Fatal("snmp_walk should start denied")
	}
	p := testPolicy()
	p.AllowDefault = append(p.AllowDefault, "snmp_walk")
	g.Reload(p)
	if d := g.Authorize(models.KindPrebuilt, "snmp_walk"); !d.Allowed {
		t.Fatalf("snmp_walk should be allowed after reload: %q", d.Reason)
	}
}
