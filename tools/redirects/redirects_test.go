package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestModulePath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "// comment\nmodule kestrel\n\ngo 1.22\n")

	got, err := modulePath(root)
	if err != nil {
		t.Fatal(err)
	}

	if got != "kestrel" {
		t.Fatalf("expected module path %q; got %q", "kestrel", got)
	}

	writeFile(t, filepath.Join(root, "go.mod"), "go 1.22\n")
	if _, err = modulePath(root); err == nil {
		t.Fatal("expected an error for a go.mod without a module directive")
	}
}

func TestFindRedirects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "kernel", "kfmt", "panic.go"), `package kfmt

// Panic halts the CPU.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {}

//go:redirect-from runtime.throw
func panicString(msg string) {}

// helper is not redirected.
func helper() {}
`)
	writeFile(t, filepath.Join(root, "kernel", "kfmt", "panic_test.go"), `package kfmt

//go:redirect-from runtime.ignored
func testOnly() {}
`)
	writeFile(t, filepath.Join(root, "kernel", "_skip", "skip.go"), `package skip

//go:redirect-from runtime.skipped
func skipped() {}
`)

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		t.Fatal(err)
	}

	if len(goFiles) != 1 {
		t.Fatalf("expected 1 go file; got %v", goFiles)
	}

	redirects, err := findRedirects("kestrel", goFiles)
	if err != nil {
		t.Fatal(err)
	}

	exp := []redirect{
		{src: "runtime.gopanic", dst: "kestrel/kernel/kfmt.Panic"},
		{src: "runtime.throw", dst: "kestrel/kernel/kfmt.panicString"},
	}

	if len(redirects) != len(exp) {
		t.Fatalf("expected %d redirects; got %d", len(exp), len(redirects))
	}

	for i := range exp {
		if redirects[i].src != exp[i].src || redirects[i].dst != exp[i].dst {
			t.Errorf("[redirect %d] expected %s -> %s; got %s -> %s", i, exp[i].src, exp[i].dst, redirects[i].src, redirects[i].dst)
		}
	}
}

func TestFindRedirectsMalformed(t *testing.T) {
	root := t.TempDir()
	goFile := filepath.Join(root, "bad.go")
	writeFile(t, goFile, `package bad

//go:redirect-from runtime.gopanic extra
func Panic() {}
`)

	if _, err := findRedirects("kestrel", []string{goFile}); err == nil {
		t.Fatal("expected an error for a malformed directive")
	}
}

// seekBuffer is an in-memory io.WriteSeeker.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, _ int) (int64, error) {
	b.pos = int(offset)
	return offset, nil
}

func TestWriteRedirectTable(t *testing.T) {
	redirects := []*redirect{
		{srcVMA: 0x1122334455667788, dstVMA: 0x0102030405060708},
	}

	w := &seekBuffer{buf: make([]byte, 8)}
	if err := writeRedirectTable(redirects, w, 4, 16); err != nil {
		t.Fatal(err)
	}

	exp := []byte{
		0, 0, 0, 0,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}
	if !bytes.Equal(w.buf, exp) {
		t.Fatalf("expected table bytes % x; got % x", exp, w.buf)
	}

	if err := writeRedirectTable(redirects, w, 0, 8); err == nil {
		t.Fatal("expected an error when the table does not fit in the section")
	}
}
