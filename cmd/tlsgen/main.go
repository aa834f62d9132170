package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stealthrocket/threadlocal/internal/tlsgen"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of tlsgen:\n")
	fmt.Fprintf(os.Stderr, "\ttlsgen [flags] -type T -name N[,N...] [directory]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	typeName := ""
	flag.StringVar(&typeName, "type", "", "non-optional type of the variables")
	names := ""
	flag.StringVar(&names, "name", "", "non-optional comma separated list of variable names")
	extern := false
	flag.BoolVar(&extern, "extern", false, "only generate accessors for variables <name>TLS defined elsewhere in the package")
	dtor := ""
	flag.StringVar(&dtor, "dtor", "", "function called with the value of each goroutine that exits")
	imports := ""
	flag.StringVar(&imports, "import", "", "comma separated list of packages imported by the generated code")
	output := ""
	flag.StringVar(&output, "output", "", "output file name; defaults to <name>_tls.go")
	flag.Usage = usage
	flag.Parse()

	if len(typeName) == 0 {
		fmt.Fprintf(os.Stderr, "missing type name (-type is required)\n")
		flag.Usage()
		os.Exit(2)
	}
	if len(names) == 0 {
		fmt.Fprintf(os.Stderr, "missing variable name (-name is required)\n")
		flag.Usage()
		os.Exit(2)
	}
	if flag.NArg() > 1 {
		fmt.Fprintf(os.Stderr, "too many arguments\n")
		flag.Usage()
		os.Exit(2)
	}

	opts := tlsgen.Options{
		Dir:    flag.Arg(0),
		Output: output,
	}
	// When invoked via go generate, GOPACKAGE holds the name of the package
	// that contained the go:generate directive and the working directory is
	// the package directory.
	if opts.Dir == "" {
		opts.Package = os.Getenv("GOPACKAGE")
	}

	var decls []tlsgen.Decl
	for _, name := range strings.Split(names, ",") {
		decls = append(decls, tlsgen.Decl{
			Name:       strings.TrimSpace(name),
			Type:       typeName,
			Extern:     extern,
			Destructor: dtor,
			Imports:    split(imports),
		})
	}

	if err := tlsgen.Run(opts, decls...); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func split(list string) (values []string) {
	for _, v := range strings.Split(list, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
