package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Common system-wide constants
const (
	// DefaultMaxFileSize bounds a single file considered for extraction.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// DefaultMaxIndexMemoryMB is the soft cap on the estimated graph footprint.
	DefaultMaxIndexMemoryMB = 512

	// DefaultPort is the daemon listen port.
	DefaultPort = 24096
)

// SymbolKind classifies a definition.
type SymbolKind uint8

const (
	KindOther SymbolKind = iota
	KindFunction
	KindType
	KindVariable
	KindModule
)

func (k SymbolKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindType:
		return "type"
	case KindVariable:
		return "variable"
	case KindModule:
		return "module"
	default:
		return "other"
	}
}

// ParseSymbolKind maps a wire name back to a SymbolKind. Unknown names map to KindOther.
func ParseSymbolKind(s string) SymbolKind {
	switch strings.ToLower(s) {
	case "function", "func", "method":
		return KindFunction
	case "type", "class", "struct", "interface", "enum", "trait":
		return KindType
	case "variable", "var", "const", "field":
		return KindVariable
	case "module", "package", "namespace":
		return KindModule
	default:
		return KindOther
	}
}

func (k SymbolKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SymbolKind) UnmarshalText(b []byte) error {
	*k = ParseSymbolKind(string(b))
	return nil
}

// Visibility of a symbol outside its defining scope.
type Visibility uint8

const (
	VisibilityPrivate Visibility = iota
	VisibilityPublic
)

func (v Visibility) String() string {
	if v == VisibilityPublic {
		return "public"
	}
	return "private"
}

func (v Visibility) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Visibility) UnmarshalText(b []byte) error {
	if string(b) == "public" {
		*v = VisibilityPublic
	} else {
		*v = VisibilityPrivate
	}
	return nil
}

// ReferenceKind describes how a symbol is used at a reference site.
type ReferenceKind uint8

const (
	RefRead ReferenceKind = iota
	RefWrite
	RefCall
	RefTypeUse
)

func (k ReferenceKind) String() string {
	switch k {
	case RefWrite:
		return "write"
	case RefCall:
		return "call"
	case RefTypeUse:
		return "type-use"
	default:
		return "read"
	}
}

func (k ReferenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ReferenceKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "write":
		*k = RefWrite
	case "call":
		*k = RefCall
	case "type-use":
		*k = RefTypeUse
	default:
		*k = RefRead
	}
	return nil
}

// Position is a 1-based line and 0-based column, matching editor conventions
// used by the tree-sitter adapters after conversion.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Less orders positions by line then column.
func (p Position) Less(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Column < o.Column
}

// Span is a half-open source range [Start, End).
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos lies inside the span.
func (s Span) Contains(pos Position) bool {
	if pos.Less(s.Start) {
		return false
	}
	return pos.Less(s.End) || pos == s.Start
}

// Width is a rough size used to pick the innermost of several containing spans.
func (s Span) Width() int {
	return (s.End.Line-s.Start.Line)*10000 + (s.End.Column - s.Start.Column)
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", s.Start.Line, s.Start.Column, s.End.Line, s.End.Column)
}

// SymbolID identifies a Symbol by its full identity. The prefix before the
// colon is the FileKey of the defining file so a snapshot can find the owning
// FileEntry without a global id table.
type SymbolID string

// ReferenceID identifies a reference as "<file-key>:<ordinal>".
type ReferenceID string

// FileKey is the stable xxhash digest of a workspace path.
type FileKey string

// NewFileKey derives the key for a path.
func NewFileKey(path string) FileKey {
	return FileKey(strconv.FormatUint(xxhash.Sum64String(path), 16))
}

// NewSymbolID derives the identity of a definition.
func NewSymbolID(path, qualifiedName string, kind SymbolKind, span Span) SymbolID {
	h := xxhash.New()
	_, _ = h.WriteString(qualifiedName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(kind.String())
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(span.String())
	return SymbolID(string(NewFileKey(path)) + ":" + strconv.FormatUint(h.Sum64(), 16))
}

// NewReferenceID builds the id of the ordinal-th reference extracted from path.
func NewReferenceID(path string, ordinal int) ReferenceID {
	return ReferenceID(string(NewFileKey(path)) + ":" + strconv.Itoa(ordinal))
}

// FileKey returns the defining-file component of the id.
func (id SymbolID) FileKey() FileKey {
	if i := strings.IndexByte(string(id), ':'); i > 0 {
		return FileKey(id[:i])
	}
	return ""
}

// Valid reports whether the id has the "<file-key>:<hash>" shape.
func (id SymbolID) Valid() bool {
	i := strings.IndexByte(string(id), ':')
	return i > 0 && i < len(id)-1
}

// FileKey returns the originating-file component of the id.
func (id ReferenceID) FileKey() FileKey {
	if i := strings.IndexByte(string(id), ':'); i > 0 {
		return FileKey(id[:i])
	}
	return ""
}

// Symbol is a named definition owned by exactly one FileEntry.
type Symbol struct {
	ID            SymbolID   `json:"id"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
	Kind          SymbolKind `json:"kind"`
	Visibility    Visibility `json:"visibility"`
	Path          string     `json:"path"`
	Span          Span       `json:"span"`
	// NameSpan covers only the identifier; position lookups prefer it.
	NameSpan    Span   `json:"name_span"`
	Container   string `json:"container,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Language    string `json:"language,omitempty"`
	FileVersion uint64 `json:"file_version"`
}

// Target names what a reference points at. Qualifier is the receiver, package
// or module prefix seen at the use site ("fmt" in fmt.Println), if any.
type Target struct {
	Name      string `json:"name"`
	Qualifier string `json:"qualifier,omitempty"`
}

// Reference is one use of a symbol. Resolution to a SymbolID is lazy and
// happens against the snapshot a query holds.
type Reference struct {
	ID          ReferenceID   `json:"id"`
	Target      Target        `json:"target"`
	Kind        ReferenceKind `json:"kind"`
	Path        string        `json:"path"`
	Span        Span          `json:"span"`
	FileVersion uint64        `json:"file_version"`
	// Container is the qualified name of the enclosing definition, if any.
	Container string `json:"container,omitempty"`
}

// FileEntry is the per-file state owned by the graph.
type FileEntry struct {
	Path        string    `json:"path"`
	Key         FileKey   `json:"key"`
	Language    string    `json:"language"`
	Version     uint64    `json:"version"`
	ContentHash uint64    `json:"content_hash"`
	IndexedAt   time.Time `json:"indexed_at"`

	// ExtractionFailed is set when the newest extraction attempt failed; the
	// symbols below then belong to the last good version.
	ExtractionFailed bool   `json:"extraction_failed"`
	FailureMessage   string `json:"failure_message,omitempty"`
	FailedVersion    uint64 `json:"failed_version,omitempty"`

	SymbolIDs    []SymbolID    `json:"symbol_ids"`
	ReferenceIDs []ReferenceID `json:"reference_ids"`

	// EstimatedBytes approximates the retained footprint for eviction.
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// LatestVersion is the highest version ever presented for the file, whether
// it applied or failed.
func (f *FileEntry) LatestVersion() uint64 {
	if f.FailedVersion > f.Version {
		return f.FailedVersion
	}
	return f.Version
}
