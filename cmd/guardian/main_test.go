package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/keithlinneman/server-guardian/internal/cfg"
	"github.com/keithlinneman/server-guardian/internal/checkpoint"
	"github.com/keithlinneman/server-guardian/internal/log"
)

func TestRequireRoot(t *testing.T) {
	cases := []struct {
		euid    int
		dryRun  bool
		wantErr bool
	}{
		{0, false, false},
		{0, true, false},
		{1000, true, false},
		{1000, false, true},
	}
	for _, tc := range cases {
		err := requireRoot(tc.euid, tc.dryRun)
		if (err != nil) != tc.wantErr {
			t.Errorf("requireRoot(%d, %v) = %v, wantErr %v", tc.euid, tc.dryRun, err, tc.wantErr)
		}
	}
}

func TestOpenCheckpoints(t *testing.T) {
	ctx := context.Background()

	s, err := openCheckpoints(ctx, log.Nop(), cfg.App{}, "edge-1")
	if err != nil || s != nil {
		t.Fatalf("no backends: store=%v err=%v", s, err)
	}

	conf := cfg.App{StateDB: filepath.Join(t.TempDir(), "guardian.db")}
	s, err = openCheckpoints(ctx, log.Nop(), conf, "edge-1")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*checkpoint.SQLite); !ok {
		t.Fatalf("single backend should not be wrapped, got %T", s)
	}
}

func TestOpenSinks_NoneConfigured(t *testing.T) {
	if sinks := openSinks(context.Background(), log.Nop(), cfg.App{}, "edge-1"); len(sinks) != 0 {
		t.Fatalf("sinks = %v", sinks)
	}
}

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := notifySystemd(); err == nil {
		t.Fatal("expected error without NOTIFY_SOCKET")
	}
}
