package main

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestGenerator(t *testing.T) *generator {
	t.Helper()
	return &generator{logger: slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func requireParses(t *testing.T, src []byte) {
	_, err := parser.ParseFile(token.NewFileSet(), "generated.go", src, parser.AllErrors)
	require.NoError(t, err)
}

func TestRenderAggregate(t *testing.T) {
	src, err := render(file{
		Package: "records",
		Aggregates: []aggregate{{
			Name:     "Record",
			Receiver: "r",
			Relocatable: []field{
				{Name: "Names", Releases: true, Visits: true},
				{Name: "Costs", Releases: true, Visits: true},
			},
		}},
	})
	require.NoError(t, err)
	requireParses(t, src)

	text := string(src)
	require.Contains(t, text, "// Code generated by compactgen. DO NOT EDIT.")
	require.Contains(t, text, "var _ compact.Compact[Record] = (*Record)(nil)")
	require.Contains(t, text, "return r.Names.IsStillCompact() && r.Costs.IsStillCompact()")
	require.Contains(t, text, "return r.Names.DynamicSizeBytes() + r.Costs.DynamicSizeBytes()")
	require.Contains(t, text, "sizeNames := source.Names.DynamicSizeBytes()")
	require.Contains(t, text, "dynamic = unsafe.Add(dynamic, sizeNames)")
	require.NotContains(t, text, "sizeCosts")
	require.Contains(t, text, `errors.Wrap(err, "failed to release field Costs")`)
	require.Contains(t, text, "r.Costs.VisitStorage(visit)")
	require.Contains(t, text, `"github.com/cockroachdb/errors"`)

	// The tails follow declaration order
	require.Less(t,
		strings.Index(text, "r.Names.CompactFromPointer"),
		strings.Index(text, "r.Costs.CompactFromPointer"),
	)
}

func TestRenderPlainAggregate(t *testing.T) {
	src, err := render(file{
		Package:    "records",
		Aggregates: []aggregate{{Name: "Header", Receiver: "h"}},
	})
	require.NoError(t, err)
	requireParses(t, src)

	text := string(src)
	require.Contains(t, text, "return true")
	require.Contains(t, text, "return 0")
	require.NotContains(t, text, "Release()")
	require.NotContains(t, text, "VisitStorage")
	require.NotContains(t, text, `"github.com/cockroachdb/errors"`)
}

func TestGenerate(t *testing.T) {
	g := newTestGenerator(t)
	pkg, err := g.load("./testdata/records")
	require.NoError(t, err)

	src, err := g.generate(pkg, []string{"Record", " Header", "Tagged"})
	require.NoError(t, err)
	requireParses(t, src)

	text := string(src)
	require.Contains(t, text, "package records")
	require.Contains(t, text, "return r.Names.IsStillCompact() && r.Costs.IsStillCompact()")
	require.Contains(t, text, "func (h *Header) DynamicSizeBytes() int")
	require.Contains(t, text, "return t.Label.IsStillCompact()")
	require.NotContains(t, text, "t.Label.Release")
}

func TestGenerateErrors(t *testing.T) {
	g := newTestGenerator(t)
	pkg, err := g.load("./testdata/records")
	require.NoError(t, err)

	testCases := []struct {
		name     string
		typeName string
		message  string
	}{
		{name: "Map", typeName: "Indexed", message: "field Lookup of Indexed"},
		{name: "String", typeName: "Named", message: "field Name of Named"},
		{name: "Generic", typeName: "Pair", message: "generic"},
		{name: "NotStruct", typeName: "Count", message: "not a struct"},
		{name: "Missing", typeName: "Absent", message: "not declared"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := g.generate(pkg, []string{testCase.typeName})
			require.Error(t, err)
			require.Contains(t, err.Error(), testCase.message)
		})
	}
}
