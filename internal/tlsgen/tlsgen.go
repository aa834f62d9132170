// Package tlsgen generates accessor functions for goroutine local variables
// declared with the threadlocal package.
package tlsgen

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/packages"
)

// ImportPath is the import path of the package defining threadlocal.Var.
const ImportPath = "github.com/stealthrocket/threadlocal"

// Decl describes one variable to generate accessors for.
type Decl struct {
	// Name of the variable. The generated code defines or expects a
	// package level variable named <Name>TLS, and functions <Name>Get,
	// <Name>Set, <Name>IsEmpty and <Name>Delete.
	Name string
	// Type of the values, as written in the package source.
	Type string
	// When Extern is true, the variable is defined elsewhere in the package
	// and only the accessors are generated.
	Extern bool
	// Name of a func(*Type) called when a goroutine holding storage for the
	// variable exits. Ignored for extern declarations.
	Destructor string
	// Extra packages imported by the generated file, usually those that Type
	// refers to.
	Imports []string
}

// Var is the name of the package level variable backing the declaration.
func (d Decl) Var() string { return d.Name + "TLS" }

// Validate checks that the declaration produces valid Go code.
func (d *Decl) Validate() error {
	if !token.IsIdentifier(d.Name) {
		return fmt.Errorf("invalid variable name %q", d.Name)
	}
	if d.Type == "" {
		return fmt.Errorf("missing type of variable %s", d.Name)
	}
	if _, err := parser.ParseExpr(d.Type); err != nil {
		return fmt.Errorf("invalid type of variable %s: %q: %w", d.Name, d.Type, err)
	}
	if d.Destructor != "" && !token.IsIdentifier(d.Destructor) {
		return fmt.Errorf("invalid destructor of variable %s: %q", d.Name, d.Destructor)
	}
	for _, path := range d.Imports {
		if path == "" || strings.ContainsAny(path, "\"` \t\n") {
			return fmt.Errorf("invalid import path %q", path)
		}
	}
	return nil
}

var source = template.Must(template.New("tls").Parse(`// Code generated by tlsgen. DO NOT EDIT.

package {{.Package}}
{{with .Imports}}
import (
{{- range .}}
	{{printf "%q" .}}
{{- end}}
)
{{end}}
{{- with .Decl}}
{{- if not .Extern}}
var {{.Var}} = threadlocal.New[{{.Type}}]({{or .Destructor "nil"}})
{{end}}
// {{.Name}}Get returns the calling goroutine's {{.Name}}, allocating it on first
// use.
func {{.Name}}Get() (*{{.Type}}, error) {
	return {{.Var}}.Get()
}

// {{.Name}}Set stores v in the calling goroutine's {{.Name}}.
func {{.Name}}Set(v {{.Type}}) error {
	return {{.Var}}.Set(v)
}

// {{.Name}}IsEmpty reports whether the calling goroutine has no storage for
// {{.Name}}.
func {{.Name}}IsEmpty() bool {
	return {{.Var}}.IsEmpty()
}

// {{.Name}}Delete releases the calling goroutine's {{.Name}} without calling
// its destructor.
func {{.Name}}Delete() {
	{{.Var}}.Delete()
}
{{- end}}
`))

// Generate returns the formatted source of a file of package pkg holding the
// code for decl.
func Generate(pkg string, decl Decl) ([]byte, error) {
	if !token.IsIdentifier(pkg) {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}
	if err := decl.Validate(); err != nil {
		return nil, err
	}

	imports := decl.Imports
	if !decl.Extern {
		imports = append([]string{ImportPath}, imports...)
	}

	var buf bytes.Buffer
	err := source.Execute(&buf, struct {
		Package string
		Imports []string
		Decl    Decl
	}{pkg, dedup(imports), decl})
	if err != nil {
		return nil, err
	}

	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("formatting code of variable %s: %w", decl.Name, err)
	}
	return out, nil
}

func dedup(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0:0]
	for _, path := range paths {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

// Load loads the package in dir with enough information to resolve its
// package level declarations.
func Load(dir string) (*packages.Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedSyntax | packages.NeedTypesInfo,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, err
	}
	if len(pkgs) != 1 {
		return nil, fmt.Errorf("expected one package in %s, found %d", dir, len(pkgs))
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		errs := make([]error, len(pkg.Errors))
		for i, e := range pkg.Errors {
			errs[i] = e
		}
		return nil, fmt.Errorf("loading %s: %w", dir, errors.Join(errs...))
	}
	return pkg, nil
}

// Check verifies that pkg defines the variable that an extern declaration
// refers to, with type *threadlocal.Var[T].
func Check(pkg *types.Package, decl Decl) error {
	obj := pkg.Scope().Lookup(decl.Var())
	if obj == nil {
		return fmt.Errorf("%s: variable %s is not defined", pkg.Path(), decl.Var())
	}
	v, ok := obj.(*types.Var)
	if !ok {
		return fmt.Errorf("%s: %s is not a variable", pkg.Path(), decl.Var())
	}

	ptr, ok := v.Type().(*types.Pointer)
	if !ok {
		return fmt.Errorf("%s: %s has type %s, not *threadlocal.Var", pkg.Path(), decl.Var(), v.Type())
	}
	named, ok := ptr.Elem().(*types.Named)
	if !ok || named.Obj().Name() != "Var" || named.Obj().Pkg() == nil || named.Obj().Pkg().Path() != ImportPath {
		return fmt.Errorf("%s: %s has type %s, not *threadlocal.Var", pkg.Path(), decl.Var(), v.Type())
	}

	args := named.TypeArgs()
	if args.Len() != 1 {
		return fmt.Errorf("%s: %s has type %s, not *threadlocal.Var", pkg.Path(), decl.Var(), v.Type())
	}
	got := types.TypeString(args.At(0), types.RelativeTo(pkg))
	if strings.ReplaceAll(got, " ", "") != strings.ReplaceAll(decl.Type, " ", "") {
		return fmt.Errorf("%s: %s holds values of type %s, not %s", pkg.Path(), decl.Var(), got, decl.Type)
	}
	return nil
}

// Output returns the default name of the file generated for decl.
func Output(decl Decl) string {
	return strings.ToLower(decl.Name) + "_tls.go"
}

// Options configures a call to Run.
type Options struct {
	// Directory of the package to generate code in.
	Dir string
	// Name of the package, loaded from Dir when empty.
	Package string
	// Output file name, only valid with a single declaration. Defaults to
	// the value of Output for each declaration.
	Output string
}

// Run generates one file per declaration in the package directory.
func Run(opts Options, decls ...Decl) error {
	if len(decls) == 0 {
		return errors.New("nothing to generate")
	}
	if opts.Output != "" && len(decls) > 1 {
		return fmt.Errorf("cannot write %d variables to %s", len(decls), opts.Output)
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}

	var extern bool
	for _, decl := range decls {
		if err := decl.Validate(); err != nil {
			return err
		}
		extern = extern || decl.Extern
	}

	if opts.Package == "" || extern {
		pkg, err := Load(opts.Dir)
		if err != nil {
			return err
		}
		if opts.Package == "" {
			opts.Package = pkg.Name
		}
		for _, decl := range decls {
			if decl.Extern {
				if err := Check(pkg.Types, decl); err != nil {
					return err
				}
			}
		}
	}

	var group errgroup.Group
	for _, decl := range decls {
		decl := decl
		group.Go(func() error {
			src, err := Generate(opts.Package, decl)
			if err != nil {
				return err
			}
			output := opts.Output
			if output == "" {
				output = Output(decl)
			}
			if !filepath.IsAbs(output) {
				output = filepath.Join(opts.Dir, output)
			}
			return os.WriteFile(output, src, 0o644)
		})
	}
	return group.Wait()
}
