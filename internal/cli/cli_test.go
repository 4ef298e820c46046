package cli

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/SkySwitch/mediastreamer2/internal/ice"
)

func getViper() *viper.Viper {
	v := viper.New()
	initViper(v)
	return v
}

func TestParseRole(t *testing.T) {
	for _, tc := range []struct {
		role string
		want ice.Role
	}{
		{"controlling", ice.Controlling},
		{"Controlled", ice.Controlled},
		{"", ice.Controlling},
		{"bogus", ice.Controlling},
	} {
		v := getViper()
		v.Set("server.role", tc.role)
		if got := parseRole(v); got != tc.want {
			t.Errorf("parseRole(%q) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := normalize(""); got != "0.0.0.0:5000" {
		t.Errorf("normalize(\"\") = %s", got)
	}
	if got := normalize("127.0.0.1:4000"); got != "127.0.0.1:4000" {
		t.Errorf("normalize unexpectedly changed explicit address: %s", got)
	}
}

func TestParseOptions(t *testing.T) {
	v := getViper()
	v.Set("server.ta", 30)
	v.Set("server.maxchecks", 50)
	v.Set("server.keepalive", 10)
	v.Set("server.ufrag", "abcdefgh")
	v.Set("server.pwd", "0123456789012345678901")

	o := parseOptions(v)
	if o.TaMS != 30 || o.MaxConnectivityChecks != 50 || o.KeepaliveTimeoutSeconds != 10 {
		t.Errorf("unexpected timing options: %+v", o)
	}
	if o.LocalUfrag != "abcdefgh" || o.LocalPwd != "0123456789012345678901" {
		t.Errorf("unexpected credentials: %+v", o)
	}
}

func TestInitViperDefaults(t *testing.T) {
	v := getViper()
	if v.GetString("version") != "1" {
		t.Error("expected default version 1")
	}
	if !v.GetBool("server.reuseport") {
		t.Error("expected reuseport to default to true")
	}
	if v.GetBool(keyPrometheusActive) {
		t.Error("expected prometheus to default to inactive")
	}
}
