package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalPutAndGet(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	ctx := context.Background()

	locator, err := gateway.Put(ctx, "exports/job-1.csv", []byte("id,name\n1,foo\n"), "text/csv")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if !filepath.IsAbs(locator) {
		t.Fatalf("expected absolute path locator, got %s", locator)
	}
	if gateway.IsRemoteKey(locator) {
		t.Fatal("local locator must not be treated as remote key")
	}

	data, err := gateway.Get(ctx, locator)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !bytes.Equal(data, []byte("id,name\n1,foo\n")) {
		t.Fatalf("unexpected data: %q", data)
	}

	// キー指定でも同じファイルが読める
	data, err = gateway.Get(ctx, "exports/job-1.csv")
	if err != nil {
		t.Fatalf("Get by key returned error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected data for key lookup")
	}
}

func TestLocalGetMissing(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	if _, err := gateway.Get(context.Background(), "exports/missing.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalDelete(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	ctx := context.Background()

	if _, err := gateway.Put(ctx, "exports/job-1.csv", []byte("x"), "text/csv"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	removed, err := gateway.Delete(ctx, "exports/job-1.csv")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if !removed {
		t.Fatal("expected removed=true for existing file")
	}

	removed, err = gateway.Delete(ctx, "exports/job-1.csv")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if removed {
		t.Fatal("expected removed=false for missing file")
	}
}

func TestLocalPresignNotSupported(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	ctx := context.Background()

	if _, err := gateway.PresignGet(ctx, "exports/job-1.csv", time.Hour); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if _, err := gateway.PresignUploadPart(ctx, "uploads/f", "upload-1", 1, time.Hour); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestLocalMultipartAssembly(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	ctx := context.Background()

	uploadID, err := gateway.BeginMultipart(ctx, "uploads/owner/file.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("BeginMultipart returned error: %v", err)
	}

	// 逆順に書いても番号順で結合される
	var parts []CompletedPart
	for _, n := range []int{3, 1, 2} {
		fingerprint, err := gateway.WritePart(ctx, uploadID, n, []byte{byte('0' + n)})
		if err != nil {
			t.Fatalf("WritePart %d returned error: %v", n, err)
		}
		if fingerprint == "" {
			t.Fatalf("expected fingerprint for part %d", n)
		}
		parts = append(parts, CompletedPart{PartNumber: n, ETag: fingerprint})
	}

	locator, err := gateway.CompleteMultipart(ctx, "uploads/owner/file.bin", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipart returned error: %v", err)
	}

	data, err := gateway.Get(ctx, locator)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(data) != "123" {
		t.Fatalf("unexpected assembled data: %q", data)
	}

	// 結合後はパート置き場が消えるので再結合はできない
	if _, err := gateway.CompleteMultipart(ctx, "uploads/owner/file.bin", uploadID, parts); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after completion, got %v", err)
	}
}

func TestLocalAbortMultipartIdempotent(t *testing.T) {
	gateway, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	ctx := context.Background()

	uploadID, err := gateway.BeginMultipart(ctx, "uploads/owner/file.bin", "")
	if err != nil {
		t.Fatalf("BeginMultipart returned error: %v", err)
	}

	if err := gateway.AbortMultipart(ctx, "uploads/owner/file.bin", uploadID); err != nil {
		t.Fatalf("AbortMultipart returned error: %v", err)
	}
	// 2回目もエラーにならない
	if err := gateway.AbortMultipart(ctx, "uploads/owner/file.bin", uploadID); err != nil {
		t.Fatalf("second AbortMultipart returned error: %v", err)
	}

	if _, err := gateway.WritePart(ctx, uploadID, 1, []byte("x")); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after abort, got %v", err)
	}
}

func TestExportKey(t *testing.T) {
	if got := ExportKey("job-1"); got != "exports/job-1.csv" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestUploadKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	got := UploadKey("owner-1", "report.csv", now)
	if got != "uploads/owner-1/1700000000_report.csv" {
		t.Fatalf("unexpected key: %s", got)
	}

	// パス区切りを含むファイル名はベース名のみ使う
	got = UploadKey("owner-1", "../etc/passwd", now)
	if got != "uploads/owner-1/1700000000_passwd" {
		t.Fatalf("unexpected key: %s", got)
	}
	got = UploadKey("owner-1", "C:\\data\\report.csv", now)
	if got != "uploads/owner-1/1700000000_report.csv" {
		t.Fatalf("unexpected key: %s", got)
	}
}
