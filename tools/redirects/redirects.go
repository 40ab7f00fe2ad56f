package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// redirectTableSection is the kernel image section that rt0 reads at boot
// to patch runtime functions with their kernel replacements.
const redirectTableSection = ".goredirectstbl"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared in the go.mod file found in
// root.
func modulePath(root string) (string, error) {
	goMod := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(goMod)
	if err != nil {
		return "", err
	}

	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", fmt.Errorf("%s: missing module directive", goMod)
	}

	return modPath, nil
}

// collectGoFiles returns the non-test Go files under dir. Directories whose
// name starts with an underscore or a dot are skipped like the go tool does.
func collectGoFiles(dir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if name := d.Name(); p != dir && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(p) == ".go" && !strings.HasSuffix(p, "_test.go") {
			goFiles = append(goFiles, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects scans the supplied files for functions annotated with a
// "//go:redirect-from <symbol>" directive. File paths must be relative to
// the module root so that the fully qualified function name can be derived
// from modPath.
func findRedirects(modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", goFile, err)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, "//go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s.%s",
					path.Join(modPath, filepath.ToSlash(filepath.Dir(goFile))),
					fnDecl.Name.Name,
				)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

// resolveRedirectSymbols looks up the addresses of both ends of every
// redirect in the kernel image symbol table.
func resolveRedirectSymbols(redirects []*redirect, f *elf.File) error {
	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

// writeRedirectTable writes (src, dst) address pairs at offset. The table
// must fit in the reserved section.
func writeRedirectTable(redirects []*redirect, w io.WriteSeeker, offset, size uint64) error {
	if need := uint64(len(redirects)) * 16; need > size {
		return fmt.Errorf("redirect table needs %d bytes; section has %d", need, size)
	}

	if _, err := w.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return nil
}

func populateTable(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	section := f.Section(redirectTableSection)
	if section == nil {
		return fmt.Errorf("%s: missing %s section", imgFile, redirectTableSection)
	}

	if err = resolveRedirectSymbols(redirects, f); err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}

	out, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()

	return writeRedirectTable(redirects, out, section.Offset, section.Size)
}

func runTool() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: redirects count|populate-table kernel-image\n")
	}
	flag.Parse()

	if _, err := os.Stat("go.mod"); err != nil {
		return errors.New("this tool must be run from the module root folder")
	}

	if flag.NArg() == 0 {
		return errors.New("missing command")
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if flag.NArg() != 2 {
			return errors.New("populate-table requires the path to the kernel image as an argument")
		}
		imgFile = flag.Arg(1)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	modPath, err := modulePath(".")
	if err != nil {
		return err
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		return err
	}

	redirects, err := findRedirects(modPath, goFiles)
	if err != nil {
		return err
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return nil
	}

	return populateTable(redirects, imgFile)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
