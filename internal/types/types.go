package types

// Section names ------------------------------------------------------------------

const (
	SectionFunctions  = "functions"
	SectionEnums      = "enums"
	SectionTypes      = "types"
	SectionClasses    = "classes"
	SectionConstants  = "constants"
	SectionNamespaces = "namespaces"
)

// LeafSections lists the five entity sections in canonical order. They are the
// sections a namespace's contents may carry.
var LeafSections = []string{
	SectionFunctions,
	SectionEnums,
	SectionTypes,
	SectionClasses,
	SectionConstants,
}

// Sections lists every top-level section of a graph in canonical order.
var Sections = append(append([]string{}, LeafSections...), SectionNamespaces)

// IsLeafSection reports whether name is one of LeafSections.
func IsLeafSection(name string) bool {
	for _, s := range LeafSections {
		if s == name {
			return true
		}
	}
	return false
}

// SectionRank orders section names canonically; unknown names sort last.
func SectionRank(name string) int {
	for i, s := range Sections {
		if s == name {
			return i
		}
	}
	return len(Sections)
}

// Shared descriptors -------------------------------------------------------------

type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

type Property struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

type EnumMember struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

type ParamDoc struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// JSDoc is the documentation attached to a declaration.
type JSDoc struct {
	Description string     `json:"description,omitempty"`
	Params      []ParamDoc `json:"params,omitempty"`
	Returns     string     `json:"returns,omitempty"`
	Deprecated  bool       `json:"deprecated,omitempty"`
}

// Empty reports whether the doc carries no text at all.
func (d *JSDoc) Empty() bool {
	return d == nil || (d.Description == "" && len(d.Params) == 0 && d.Returns == "" && !d.Deprecated)
}

// Entity carries the fields shared by every declaration kind.
type Entity struct {
	Name        string `json:"name"`
	JSDoc       *JSDoc `json:"jsdoc,omitempty"`
	IsExported  *bool  `json:"isExported,omitempty"`
	Description string `json:"xaiDescription,omitempty"`
}

func (e Entity) Documented() bool { return !e.JSDoc.Empty() || e.Description != "" }

// Declarations -------------------------------------------------------------------

type Function struct {
	Entity
	Parameters []Param `json:"parameters,omitempty"`
	ReturnType string  `json:"returnType,omitempty"`
}

type Constructor struct {
	Parameters []Param `json:"parameters,omitempty"`
	ReturnType string  `json:"returnType,omitempty"`
}

type Class struct {
	Entity
	Constructors []Constructor `json:"constructors,omitempty"`
	Methods      []Function    `json:"methods,omitempty"`
	Properties   []Property    `json:"properties,omitempty"`
	Extends      StringList    `json:"extends,omitempty"`
	Implements   StringList    `json:"implements,omitempty"`
}

type TypeDef struct {
	Entity
	Type       string     `json:"type,omitempty"`
	Properties []Property `json:"properties,omitempty"`
	Extends    StringList `json:"extends,omitempty"`
}

type Enum struct {
	Entity
	Members []EnumMember `json:"members,omitempty"`
}

type Constant struct {
	Entity
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// Contents holds the leaf sections of a namespace.
type Contents struct {
	Functions []Function `json:"functions"`
	Enums     []Enum     `json:"enums"`
	Types     []TypeDef  `json:"types"`
	Classes   []Class    `json:"classes"`
	Constants []Constant `json:"constants"`
}

type Namespace struct {
	Entity
	Contents Contents `json:"contents"`
}

// Graph is the signature graph of one library release.
type Graph struct {
	Version    string      `json:"version"`
	Functions  []Function  `json:"functions"`
	Enums      []Enum      `json:"enums"`
	Types      []TypeDef   `json:"types"`
	Classes    []Class     `json:"classes"`
	Constants  []Constant  `json:"constants"`
	Namespaces []Namespace `json:"namespaces"`
}
