package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
)

// redirectTableSection is the kernel image section that holds the redirect
// table. Each entry is a pair of little-endian uint64 addresses.
const redirectTableSection = ".goredirectstbl"

// parseWorkers bounds the number of source files parsed concurrently.
const parseWorkers = 8

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared by the go.mod file in root.
func modulePath(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}

	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", fmt.Errorf("%s: missing module directive", filepath.Join(root, "go.mod"))
	}
	return modPath, nil
}

// collectGoFiles returns the non-test Go files below dir.
func collectGoFiles(dir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFiles, which are relative to the module root, and
// returns the functions annotated with go:redirect-from ordered by target
// symbol.
func findRedirects(modPath string, goFiles []string) ([]*redirect, error) {
	var (
		g       errgroup.Group
		results = make([][]*redirect, len(goFiles))
	)
	g.SetLimit(parseWorkers)

	for i, goFile := range goFiles {
		g.Go(func() error {
			found, err := fileRedirects(modPath, goFile)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, found := range results {
		redirects = append(redirects, found...)
	}
	sort.Slice(redirects, func(i, j int) bool { return redirects[i].dst < redirects[j].dst })
	return redirects, nil
}

func fileRedirects(modPath, goFile string) ([]*redirect, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, decl := range f.Decls {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok || fnDecl.Doc == nil {
			continue
		}

		for _, comment := range fnDecl.Doc.List {
			if !strings.Contains(comment.Text, "go:redirect-from") {
				continue
			}

			// build qualified name to fn
			fqName := fmt.Sprintf("%s.%s",
				path.Join(modPath, filepath.ToSlash(filepath.Dir(goFile))),
				fnDecl.Name.Name,
			)

			fields := strings.Fields(comment.Text)
			if len(fields) != 2 || fields[0] != "//go:redirect-from" {
				return nil, fmt.Errorf("%s: malformed go:redirect-from syntax for %q", fset.Position(comment.Pos()), fqName)
			}

			redirects = append(redirects, &redirect{
				src: fields[1],
				dst: fqName,
			})
		}
	}

	return redirects, nil
}

// resolveRedirectSymbols looks up the addresses of the source and target of
// each redirect in the symbol table of img.
func resolveRedirectSymbols(redirects []*redirect, img *elf.File) error {
	symbols, err := img.Symbols()
	if err != nil {
		return err
	}

	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, redirect := range redirects {
		redirect.srcVMA, redirect.dstVMA = addrs[redirect.src], addrs[redirect.dst]

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

// redirectTableOffset returns the file offset and size of the redirect table
// section of img.
func redirectTableOffset(img *elf.File) (int64, uint64, error) {
	section := img.Section(redirectTableSection)
	if section == nil {
		return 0, 0, fmt.Errorf("missing %s section", redirectTableSection)
	}

	return int64(section.Offset), section.Size, nil
}

// writeRedirectTable writes the resolved redirects at offset in w.
func writeRedirectTable(w io.WriteSeeker, offset int64, redirects []*redirect) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return nil
}

// populateTable resolves redirects against the kernel image at imgFile and
// fills in its redirect table.
func populateTable(redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}

	offset, size, err := redirectTableOffset(img)
	if err == nil {
		err = resolveRedirectSymbols(redirects, img)
	}
	img.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}

	if need := uint64(len(redirects)) * 16; need > size {
		return fmt.Errorf("%s: %d redirects need %d bytes; %s holds %d", imgFile, len(redirects), need, redirectTableSection, size)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return writeRedirectTable(f, offset, redirects)
}
