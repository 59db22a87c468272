package docstore

import (
	"reflect"
	"testing"

	"github.com/vmlab/lmunit/internal/model"
)

func TestBuildSelectPlain(t *testing.T) {
	sql, args, err := buildSelect("action", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT id, data FROM documents WHERE type = $1 ORDER BY id ASC"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"action"}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildSelectClaimShape(t *testing.T) {
	sql, args, err := buildSelect("action", Filter{
		"type": model.ActionDeploy,
		"lock": int(model.LockFree),
	}, "LIMIT 1 FOR UPDATE SKIP LOCKED")
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT id, data FROM documents WHERE type = $1" +
		" AND data->>'lock' = $2 AND data->>'type' = $3" +
		" ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"action", "0", "deploy"}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildSelectIDColumn(t *testing.T) {
	sql, args, err := buildSelect("deploy_ticket", Filter{"_id": 7, "enabled": true}, "LIMIT 1 FOR UPDATE")
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT id, data FROM documents WHERE type = $1" +
		" AND id = $2 AND data->>'enabled' = $3" +
		" ORDER BY id ASC LIMIT 1 FOR UPDATE"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"deploy_ticket", int64(7), "true"}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildSelectStringID(t *testing.T) {
	_, args, err := buildSelect("request", Filter{"_id": "15"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if args[1] != int64(15) {
		t.Errorf("args = %v", args)
	}
	if _, _, err := buildSelect("request", Filter{"_id": "abc"}, ""); err == nil {
		t.Error("bad id must error")
	}
}
