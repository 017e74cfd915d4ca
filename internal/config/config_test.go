package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attic.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
	"data_dir": "/var/lib/attic",
	"api": {"host": "127.0.0.1", "port": 9090, "api_key": "secret"},
	"tenants": [{
		"slug": "acme",
		"source": {"subdomain": "acme", "email": "ops@acme.test", "api_token": "tok"},
		"destination": {
			"endpoint": "s3.wasabisys.com",
			"access_key": "AK", "secret_key": "SK", "bucket": "acme-attachments"
		}
	}]
}`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/attic" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.API.Port != 9090 || cfg.API.Key != "secret" {
		t.Errorf("API = %+v", cfg.API)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Slug != "acme" {
		t.Fatalf("Tenants = %+v", cfg.Tenants)
	}
	if cfg.Tenants[0].Destination.Bucket != "acme-attachments" {
		t.Errorf("Bucket = %q", cfg.Tenants[0].Destination.Bucket)
	}
}

func TestLoadAppliesScheduleDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.Offload == "" || cfg.Jobs.Continuous == "" ||
		cfg.Jobs.CacheSync == "" || cfg.Jobs.Recheck == "" {
		t.Errorf("schedule defaults missing: %+v", cfg.Jobs)
	}
	if cfg.Jobs.Recheck != "0 3 * * *" {
		t.Errorf("Recheck = %q", cfg.Jobs.Recheck)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadBadJSON(t *testing.T) {
	if _, err := Load(writeConfig(t, "{not json")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := Load(writeConfig(t, `{
		"data_dir": "",
		"tenants": [{
			"slug": "",
			"source": {"subdomain": "", "email": "", "api_token": ""},
			"destination": {"endpoint": "", "access_key": "", "secret_key": "", "bucket": ""}
		}]
	}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"data_dir is required",
		"slug is required",
		"source.subdomain is required",
		"source.email is required",
		"source.api_token is required",
		"destination.endpoint is required",
		"destination.bucket is required",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateDuplicateSlug(t *testing.T) {
	tenant := `{
		"slug": "acme",
		"source": {"subdomain": "acme", "email": "a@b.c", "api_token": "t"},
		"destination": {"endpoint": "e", "access_key": "a", "secret_key": "s", "bucket": "b"}
	}`
	_, err := Load(writeConfig(t, `{"data_dir": "/d", "tenants": [`+tenant+`,`+tenant+`]}`))
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Errorf("err = %v, want duplicate slug error", err)
	}
}

func TestValidateIncompleteReporter(t *testing.T) {
	_, err := Load(writeConfig(t, `{
		"data_dir": "/d",
		"tenants": [{
			"slug": "acme",
			"source": {"subdomain": "acme", "email": "a@b.c", "api_token": "t"},
			"destination": {"endpoint": "e", "access_key": "a", "secret_key": "s", "bucket": "b"},
			"reporters": {"telegram": {"token": "x"}}
		}]
	}`))
	if err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Errorf("err = %v, want telegram validation error", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	for k, v := range map[string]string{
		"ATTIC_DATA_DIR":         t.TempDir(),
		"ATTIC_TENANT":           "acme",
		"ATTIC_SOURCE_SUBDOMAIN": "acme",
		"ATTIC_SOURCE_EMAIL":     "ops@acme.test",
		"ATTIC_SOURCE_API_TOKEN": "tok",
		"ATTIC_DEST_ENDPOINT":    "s3.test",
		"ATTIC_DEST_ACCESS_KEY":  "AK",
		"ATTIC_DEST_SECRET_KEY":  "SK",
		"ATTIC_DEST_BUCKET":      "bkt",
		"ATTIC_API_PORT":         "9000",
	} {
		t.Setenv(k, v)
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("Port = %d", cfg.API.Port)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Slug != "acme" {
		t.Fatalf("Tenants = %+v", cfg.Tenants)
	}
	if cfg.Tenants[0].Source.Email != "ops@acme.test" {
		t.Errorf("Email = %q", cfg.Tenants[0].Source.Email)
	}
	if cfg.Tenants[0].Reporters.Telegram != nil {
		t.Error("telegram reporter should be unset without a token")
	}
}

func TestLoadFromEnvMissingCreds(t *testing.T) {
	t.Setenv("ATTIC_DATA_DIR", t.TempDir())
	t.Setenv("ATTIC_SOURCE_SUBDOMAIN", "")
	t.Setenv("ATTIC_SOURCE_EMAIL", "")
	t.Setenv("ATTIC_SOURCE_API_TOKEN", "")
	t.Setenv("ATTIC_DEST_ENDPOINT", "")
	t.Setenv("ATTIC_DEST_ACCESS_KEY", "")
	t.Setenv("ATTIC_DEST_SECRET_KEY", "")
	t.Setenv("ATTIC_DEST_BUCKET", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("expected validation error with empty credentials")
	}
}
