package extract

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/types"
)

func symbolsByQName(res *Result) map[string]types.Symbol {
	m := make(map[string]types.Symbol, len(res.Symbols))
	for _, s := range res.Symbols {
		m[s.QualifiedName] = s
	}
	return m
}

func findRef(res *Result, name, qualifier string, kind types.ReferenceKind) (types.Reference, bool) {
	for _, r := range res.References {
		if r.Target.Name == name && r.Target.Qualifier == qualifier && r.Kind == kind {
			return r, true
		}
	}
	return types.Reference{}, false
}

const goSample = `package sample

import "fmt"

type Server struct {
	Name string
}

func NewServer(name string) *Server {
	return &Server{Name: name}
}

func (s *Server) Run() {
	fmt.Println(s.Name)
	helper()
}

func helper() {}
`

func TestGoExtractor(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "/ws/sample/server.go", []byte(goSample))
	require.NoError(t, err)
	assert.Equal(t, "go", res.Language)

	syms := symbolsByQName(res)
	require.Contains(t, syms, "sample.Server")
	require.Contains(t, syms, "sample.Server.Name")
	require.Contains(t, syms, "sample.NewServer")
	require.Contains(t, syms, "sample.Server.Run")
	require.Contains(t, syms, "sample.helper")

	server := syms["sample.Server"]
	assert.Equal(t, types.KindType, server.Kind)
	assert.Equal(t, types.VisibilityPublic, server.Visibility)
	assert.Equal(t, 5, server.Span.Start.Line)
	assert.Equal(t, "Server struct {", signatureOf(t, syms, "sample.Server"))

	run := syms["sample.Server.Run"]
	assert.Equal(t, types.KindFunction, run.Kind)
	assert.Equal(t, "Run", run.Name)
	assert.Equal(t, "sample.Server", run.Container)

	assert.Equal(t, types.VisibilityPrivate, syms["sample.helper"].Visibility)
	assert.Equal(t, types.KindVariable, syms["sample.Server.Name"].Kind)

	printCall, ok := findRef(res, "Println", "fmt", types.RefCall)
	require.True(t, ok, "fmt.Println call should be recorded")
	assert.Equal(t, "sample.Server.Run", printCall.Container)
	assert.Equal(t, 14, printCall.Span.Start.Line)

	_, ok = findRef(res, "helper", "", types.RefCall)
	assert.True(t, ok)
	_, ok = findRef(res, "Name", "s", types.RefRead)
	assert.True(t, ok)
	_, ok = findRef(res, "Server", "", types.RefTypeUse)
	assert.True(t, ok)

	key := types.NewFileKey("/ws/sample/server.go")
	for _, s := range res.Symbols {
		assert.True(t, s.ID.Valid())
		assert.Equal(t, key, s.ID.FileKey())
	}
	for i, r := range res.References {
		assert.Equal(t, types.NewReferenceID("/ws/sample/server.go", i), r.ID)
	}
}

func signatureOf(t *testing.T, syms map[string]types.Symbol, qname string) string {
	t.Helper()
	s, ok := syms[qname]
	require.True(t, ok)
	return s.Signature
}

func TestGoExtractor_Deterministic(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	first, err := e.Extract(context.Background(), "a.go", []byte(goSample))
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), "a.go", []byte(goSample))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGoExtractor_SyntaxErrorWithoutSymbols(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	_, err := e.Extract(context.Background(), "bad.go", []byte("}}}} (((( ]]]"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, symerrors.ErrExtractionFailed))
}

func TestGoExtractor_EmptyFile(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "empty.go", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Symbols)
}

func TestExtractor_CanceledContext(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, "a.go", []byte(goSample))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractor_ConcurrentUse(t *testing.T) {
	e := NewGoExtractor()
	defer e.Close()

	want, err := e.Extract(context.Background(), "a.go", []byte(goSample))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Extract(context.Background(), "a.go", []byte(goSample))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

const pySample = `class Greeter:
    def greet(self, name):
        self.last = name
        return format_name(name)

    def _reset(self):
        pass

def format_name(n):
    return n.title()

DEFAULT = Greeter()
`

func TestPythonExtractor(t *testing.T) {
	e := NewPythonExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "/ws/pkg/greet.py", []byte(pySample))
	require.NoError(t, err)

	syms := symbolsByQName(res)
	require.Contains(t, syms, "greet.Greeter")
	require.Contains(t, syms, "greet.Greeter.greet")
	require.Contains(t, syms, "greet.format_name")
	require.Contains(t, syms, "greet.DEFAULT")
	assert.NotContains(t, syms, "greet.Greeter.greet.last", "assignments inside functions are not definitions")

	assert.Equal(t, types.KindType, syms["greet.Greeter"].Kind)
	assert.Equal(t, types.KindVariable, syms["greet.DEFAULT"].Kind)
	assert.Equal(t, types.VisibilityPrivate, syms["greet.Greeter._reset"].Visibility)
	assert.Equal(t, types.VisibilityPublic, syms["greet.Greeter.greet"].Visibility)

	_, ok := findRef(res, "last", "self", types.RefWrite)
	assert.True(t, ok)
	call, ok := findRef(res, "format_name", "", types.RefCall)
	require.True(t, ok)
	assert.Equal(t, "greet.Greeter.greet", call.Container)
	_, ok = findRef(res, "Greeter", "", types.RefCall)
	assert.True(t, ok)
}

const jsSample = `export function add(a, b) { return a + b; }
const mul = (a, b) => a * b;
class Calc {
  total() { return add(1, 2); }
}
`

func TestJavaScriptExtractor(t *testing.T) {
	e := NewJavaScriptExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "calc.js", []byte(jsSample))
	require.NoError(t, err)

	syms := symbolsByQName(res)
	require.Contains(t, syms, "add")
	require.Contains(t, syms, "mul")
	require.Contains(t, syms, "Calc")
	require.Contains(t, syms, "Calc.total")

	assert.Equal(t, types.VisibilityPublic, syms["add"].Visibility)
	assert.Equal(t, types.VisibilityPrivate, syms["mul"].Visibility)
	assert.Equal(t, types.KindFunction, syms["mul"].Kind, "arrow function bindings are functions")
	assert.Equal(t, types.KindType, syms["Calc"].Kind)

	call, ok := findRef(res, "add", "", types.RefCall)
	require.True(t, ok)
	assert.Equal(t, "Calc.total", call.Container)
}

const tsSample = `interface Shape { area(): number; }
type ID = string;
class Square implements Shape {
  area(): number { return 4; }
}
`

func TestTypeScriptExtractor(t *testing.T) {
	e := NewTypeScriptExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "shape.ts", []byte(tsSample))
	require.NoError(t, err)

	syms := symbolsByQName(res)
	require.Contains(t, syms, "Shape")
	require.Contains(t, syms, "Shape.area")
	require.Contains(t, syms, "ID")
	require.Contains(t, syms, "Square")
	require.Contains(t, syms, "Square.area")
	assert.Equal(t, types.KindType, syms["ID"].Kind)

	_, ok := findRef(res, "Shape", "", types.RefTypeUse)
	assert.True(t, ok)
}

const rustSample = `pub struct Point { pub x: i32 }

impl Point {
    pub fn new(x: i32) -> Self { Point { x } }
    fn norm(&self) -> i32 { self.x }
}

fn main() {
    let p = Point::new(1);
    p.norm();
}
`

func TestRustExtractor(t *testing.T) {
	e := NewRustExtractor()
	defer e.Close()

	res, err := e.Extract(context.Background(), "src/point.rs", []byte(rustSample))
	require.NoError(t, err)

	syms := symbolsByQName(res)
	require.Contains(t, syms, "Point")
	require.Contains(t, syms, "Point.x")
	require.Contains(t, syms, "Point.new")
	require.Contains(t, syms, "Point.norm")
	require.Contains(t, syms, "main")

	assert.Equal(t, types.VisibilityPublic, syms["Point"].Visibility)
	assert.Equal(t, types.VisibilityPublic, syms["Point.new"].Visibility)
	assert.Equal(t, types.VisibilityPrivate, syms["Point.norm"].Visibility)

	_, ok := findRef(res, "new", "Point", types.RefCall)
	assert.True(t, ok)
	_, ok = findRef(res, "norm", "p", types.RefCall)
	assert.True(t, ok)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	defer r.Close()

	e, ok := r.ForPath("/ws/main.go")
	require.True(t, ok)
	assert.Equal(t, "go", e.Language())

	e, ok = r.ForPath("App.TSX")
	require.True(t, ok)
	assert.Equal(t, "tsx", e.Language())

	e, ok = r.Resolve("script.txt", "python")
	require.True(t, ok)
	assert.Equal(t, "python", e.Language())

	e, ok = r.Resolve("lib.rs", "cobol")
	require.True(t, ok)
	assert.Equal(t, "rust", e.Language())

	assert.False(t, r.Supports("README.md"))
	assert.Equal(t, []string{"cpp", "csharp", "go", "java", "javascript", "php", "python", "rust", "tsx", "typescript", "zig"}, r.Languages())
}
