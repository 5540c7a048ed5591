package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"msgate/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(ctx, Config{Driver: driver, Path: filepath.Join(dir, driver, "msgate.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreProfiles(t *testing.T) {
	t.Parallel()
	for driver, st := range openDrivers(t) {
		driver, st := driver, st
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.GetClientProfile(ctx, "c1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing profile err = %v, want ErrNotFound", err)
			}
			in := ClientProfile{ID: "c1", Name: "Maria", TargetCountry: "Portugal", VisaType: "D7",
				Attributes: map[string]string{"consultant": "Rui"}}
			if err := st.PutClientProfile(ctx, in); err != nil {
				t.Fatalf("put: %v", err)
			}
			in.Name = "Maria Silva"
			if err := st.PutClientProfile(ctx, in); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err := st.GetClientProfile(ctx, "c1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Name != "Maria Silva" || got.VisaType != "D7" || got.Attributes["consultant"] != "Rui" {
				t.Fatalf("profile = %+v", got)
			}
			if got.UpdatedAt.IsZero() {
				t.Fatal("UpdatedAt not set")
			}
		})
	}
}

func TestStoreDedupAndPing(t *testing.T) {
	t.Parallel()
	for driver, st := range openDrivers(t) {
		driver, st := driver, st
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "alert:failed", until); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "alert:failed")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v %v %v, want %v", got, ok, err, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "other"); ok {
				t.Fatal("unexpected dedup hit")
			}
		})
	}
}

func TestFileStoreInteractionLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(dir, "gw.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"msg_1", "msg_2"} {
		err := st.AppendInteraction(context.Background(), Interaction{
			ClientID: "c1", MessageID: id, Recipient: "5511987654321@s.whatsapp.net",
			Body: "hi", Channel: "whatsapp", Direction: "outbound",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "gw.interactions.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var it Interaction
		if err := json.Unmarshal(sc.Bytes(), &it); err != nil {
			t.Fatalf("line decode: %v", err)
		}
		if it.At.IsZero() {
			t.Fatal("At not stamped")
		}
		ids = append(ids, it.MessageID)
	}
	if len(ids) != 2 || ids[0] != "msg_1" || ids[1] != "msg_2" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestFileStoreProfilesSurviveReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "gw.db")
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.PutClientProfile(ctx, ClientProfile{ID: "c9", Name: "Ana"}); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	p, err := st.GetClientProfile(ctx, "c9")
	if err != nil || p.Name != "Ana" {
		t.Fatalf("after reopen: %+v %v", p, err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled = %v, %v", st, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected missing dsn error")
	}
}
