package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/axismundi/amallo/internal/keystore"
)

func TestKeysCreateAndList(t *testing.T) {
	path := writeConfig(t, "")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"keys", "create", "--config", path, "--identity", "alice"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keys create: %v", err)
	}
	if !strings.Contains(buf.String(), "Created user key for alice: sov") {
		t.Errorf("create output = %q", buf.String())
	}

	cmd = newRootCmd()
	buf.Reset()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"keys", "list", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keys list: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"IDENTITY", "marcus", "master", "alice", "user"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q: %s", want, out)
		}
	}
}

func TestKeysCreate_InvalidRole(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"keys", "create", "--config", writeConfig(t, ""), "--identity", "x", "--role", "root"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Errorf("err = %v", err)
	}
}

func TestKeysCreate_RequiresIdentity(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"keys", "create", "--config", writeConfig(t, "")})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without --identity")
	}
}

func TestPrintKeys(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	table := map[string]keystore.Record{
		"sovBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBwxyz": {Identity: "late", Role: keystore.RoleUser, Created: t0.Add(time.Hour), RequestCount: 3},
		"sovAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAabcd": {Identity: "early", Role: keystore.RoleMaster, Created: t0},
	}
	buf := new(bytes.Buffer)
	printKeys(buf, table)
	out := buf.String()

	if strings.Index(out, "early") > strings.Index(out, "late") {
		t.Errorf("keys not ordered by creation: %s", out)
	}
	if strings.Contains(out, "AAAAAAAAAAAAAAAA") {
		t.Errorf("key not masked: %s", out)
	}
	if !strings.Contains(out, "sovAAAA…abcd") {
		t.Errorf("masked key missing: %s", out)
	}

	buf.Reset()
	printKeys(buf, nil)
	if buf.String() != "No keys.\n" {
		t.Errorf("empty output = %q", buf.String())
	}
}
