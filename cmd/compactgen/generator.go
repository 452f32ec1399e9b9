package main

import (
	"bytes"
	"go/format"
	"go/types"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/tools/go/packages"
)

var relocatableMethods = []string{"IsStillCompact", "DynamicSizeBytes", "CompactFromPointer"}

type field struct {
	Name     string
	Releases bool
	Visits   bool
}

type aggregate struct {
	Name        string
	Receiver    string
	Relocatable []field
}

// Releases returns true if any relocatable field owns free storage
func (a aggregate) Releases() bool {
	for _, f := range a.Relocatable {
		if f.Releases {
			return true
		}
	}
	return false
}

// Visits returns true if any relocatable field can report its storage
func (a aggregate) Visits() bool {
	for _, f := range a.Relocatable {
		if f.Visits {
			return true
		}
	}
	return false
}

type file struct {
	Package    string
	Aggregates []aggregate
}

func (f file) needsErrors() bool {
	for _, a := range f.Aggregates {
		if a.Releases() {
			return true
		}
	}
	return false
}

type generator struct {
	logger *slog.Logger
}

func (g *generator) run(pattern string, typeNames []string, output string) error {
	pkg, err := g.load(pattern)
	if err != nil {
		return err
	}

	src, err := g.generate(pkg, typeNames)
	if err != nil {
		return err
	}

	if output == "" {
		if len(pkg.GoFiles) == 0 {
			return errors.Newf("package %s has no Go files", pkg.PkgPath)
		}
		output = filepath.Join(filepath.Dir(pkg.GoFiles[0]), strings.ToLower(typeNames[0])+"_compact.go")
	}

	g.logger.Debug("writing relocation methods", slog.String("output", output), slog.Int("types", len(typeNames)))
	return errors.Wrapf(os.WriteFile(output, src, 0o644), "failed to write %s", output)
}

func (g *generator) load(pattern string) (*packages.Package, error) {
	config := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedTypes,
	}

	pkgs, err := packages.Load(config, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", pattern)
	}

	if len(pkgs) != 1 {
		return nil, errors.Newf("%s matched %d packages, expected exactly one", pattern, len(pkgs))
	}

	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		var allErrors []error
		for _, pkgErr := range pkg.Errors {
			allErrors = append(allErrors, pkgErr)
		}
		return nil, errors.Wrapf(errors.Join(allErrors...), "package %s has errors", pkg.PkgPath)
	}

	g.logger.Debug("loaded package", slog.String("path", pkg.PkgPath))
	return pkg, nil
}

func (g *generator) generate(pkg *packages.Package, typeNames []string) ([]byte, error) {
	out := file{Package: pkg.Name}

	for _, name := range typeNames {
		name = strings.TrimSpace(name)

		obj := pkg.Types.Scope().Lookup(name)
		if obj == nil {
			return nil, errors.Newf("type %s is not declared in package %s", name, pkg.PkgPath)
		}

		typeName, ok := obj.(*types.TypeName)
		if !ok {
			return nil, errors.Newf("%s is not a type", name)
		}

		named, ok := typeName.Type().(*types.Named)
		if !ok {
			return nil, errors.Newf("%s is an alias", name)
		}

		agg, err := describe(named)
		if err != nil {
			return nil, err
		}

		g.logger.Debug("described aggregate",
			slog.String("type", agg.Name),
			slog.Int("relocatable", len(agg.Relocatable)),
		)
		out.Aggregates = append(out.Aggregates, agg)
	}

	return render(out)
}

func hasMethods(t types.Type, names ...string) bool {
	methods := types.NewMethodSet(types.NewPointer(t))
	for _, name := range names {
		if methods.Lookup(nil, name) == nil {
			return false
		}
	}

	return true
}

// describe sorts the fields of a struct type into relocatable fields and plain ones, failing
// if any field is neither
func describe(named *types.Named) (aggregate, error) {
	name := named.Obj().Name()

	if named.TypeParams().Len() > 0 {
		return aggregate{}, errors.Newf("%s is generic, which is not supported", name)
	}

	st, ok := named.Underlying().(*types.Struct)
	if !ok {
		return aggregate{}, errors.Newf("%s is not a struct", name)
	}

	agg := aggregate{
		Name:     name,
		Receiver: strings.ToLower(name[:1]),
	}

	for i := 0; i < st.NumFields(); i++ {
		f := st.Field(i)
		if f.Name() == "_" {
			continue
		}

		if hasMethods(f.Type(), relocatableMethods...) {
			agg.Relocatable = append(agg.Relocatable, field{
				Name:     f.Name(),
				Releases: hasMethods(f.Type(), "Release"),
				Visits:   hasMethods(f.Type(), "VisitStorage"),
			})
			continue
		}

		err := checkPlain(f.Type())
		if err != nil {
			return aggregate{}, errors.Wrapf(err, "field %s of %s", f.Name(), name)
		}
	}

	return agg, nil
}

// checkPlain fails if t holds anything the garbage collector would need to scan
func checkPlain(t types.Type) error {
	switch u := t.Underlying().(type) {
	case *types.Basic:
		if u.Info()&types.IsString != 0 || u.Kind() == types.UnsafePointer {
			return errors.Newf("%s holds a pointer", t)
		}
		return nil
	case *types.Array:
		return checkPlain(u.Elem())
	case *types.Struct:
		for i := 0; i < u.NumFields(); i++ {
			err := checkPlain(u.Field(i).Type())
			if err != nil {
				return err
			}
		}
		return nil
	}

	return errors.Newf("%s is neither plain nor relocatable", t)
}

var fileTemplate = template.Must(template.New("file").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`// Code generated by compactgen. DO NOT EDIT.

package {{.File.Package}}

import (
	"unsafe"

{{if .Errors}}	"github.com/cockroachdb/errors"
{{end}}	"github.com/vkngwrapper/compactmem/compact"
	"github.com/vkngwrapper/compactmem/memutils"
)
{{range .File.Aggregates}}{{$r := .Receiver}}{{$n := len .Relocatable}}
var _ compact.Compact[{{.Name}}] = (*{{.Name}})(nil)

func ({{$r}} *{{.Name}}) IsStillCompact() bool {
	return {{range $i, $f := .Relocatable}}{{if $i}} && {{end}}{{$r}}.{{$f.Name}}.IsStillCompact(){{else}}true{{end}}
}

func ({{$r}} *{{.Name}}) DynamicSizeBytes() int {
	return {{range $i, $f := .Relocatable}}{{if $i}} + {{end}}{{$r}}.{{$f.Name}}.DynamicSizeBytes(){{else}}0{{end}}
}

func ({{$r}} *{{.Name}}) CompactFrom(source *{{.Name}}, dynamic unsafe.Pointer) {
	if {{$r}} != source {
		memutils.Copy(unsafe.Pointer({{$r}}), unsafe.Pointer(source), int(unsafe.Sizeof(*source)))
	}
{{range $i, $f := .Relocatable}}{{if $i}}
{{end}}{{if lt (inc $i) $n}}
	size{{$f.Name}} := source.{{$f.Name}}.DynamicSizeBytes(){{end}}
	{{$r}}.{{$f.Name}}.CompactFromPointer(unsafe.Pointer(&source.{{$f.Name}}), dynamic){{if lt (inc $i) $n}}
	dynamic = unsafe.Add(dynamic, size{{$f.Name}}){{end}}
{{end}}}

func ({{$r}} *{{.Name}}) CompactFromPointer(source unsafe.Pointer, dynamic unsafe.Pointer) {
	{{$r}}.CompactFrom((*{{.Name}})(source), dynamic)
}
{{if .Releases}}
func ({{$r}} *{{.Name}}) Release() error {
	var allErrors []error
{{range .Relocatable}}{{if .Releases}}
	if err := {{$r}}.{{.Name}}.Release(); err != nil {
		allErrors = append(allErrors, errors.Wrap(err, "failed to release field {{.Name}}"))
	}
{{end}}{{end}}
	if len(allErrors) == 0 {
		return nil
	}
	return errors.Join(allErrors...)
}
{{end}}{{if .Visits}}
func ({{$r}} *{{.Name}}) VisitStorage(visit func(ptr unsafe.Pointer, size int)) {
{{range .Relocatable}}{{if .Visits}}	{{$r}}.{{.Name}}.VisitStorage(visit)
{{end}}{{end}}}
{{end}}{{end}}`))

// render executes the template for out and formats the result
func render(out file) ([]byte, error) {
	var buf bytes.Buffer
	err := fileTemplate.Execute(&buf, struct {
		File   file
		Errors bool
	}{File: out, Errors: out.needsErrors()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute template")
	}

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "generated code does not parse:\n%s", buf.String())
	}

	return src, nil
}
