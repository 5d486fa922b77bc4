package dialect

import (
	"strconv"
	"strings"

	"github.com/ruslano69/featurestore/pkg/filter"
)

// ReturningStyle - как диалект возвращает значения из DML
type ReturningStyle uint8

const (
	ReturningNone   ReturningStyle = iota
	ReturningSuffix                // ... RETURNING cols
	ReturningOutput                // OUTPUT INSERTED.cols перед VALUES/WHERE
)

// Syntax - синтаксические различия диалектов, над которыми работает
// общий Compiler
type Syntax interface {
	QuoteIdent(name string) string
	// Placeholder возвращает маркер n-го параметра (с 1)
	Placeholder(n int) string
	WriteLimitOffset(b *Builder, limit, offset *Slot)
	// RequiresOrderForPaging - пагинация невозможна без ORDER BY
	RequiresOrderForPaging() bool
	// WriteSpatial пишет предикат над колонкой и геометрией запроса (WKB + SRID)
	WriteSpatial(b *Builder, op filter.SpatialOp, column string, geom, srid Slot) error
	// WriteGeometryValue пишет выражение геометрии из WKB и SRID для INSERT/UPDATE
	WriteGeometryValue(b *Builder, geom, srid Slot)
	// WriteGeometryOutput пишет выражение проекции геометрии в WKB.
	// target != nil - пересчет в SQL в SRID из параметра.
	WriteGeometryOutput(b *Builder, column string, target *Slot)
	CountExpr() string
	Returning() ReturningStyle
	// WriteIsNull пишет col IS NULL или нативную отрицательную форму IS NOT NULL
	WriteIsNull(b *Builder, column string, negated bool)
}

// Builder накапливает текст запроса и слоты параметров
type Builder struct {
	sb    strings.Builder
	syn   Syntax
	slots []Slot
}

// NewBuilder создает построитель для синтаксиса
func NewBuilder(syn Syntax) *Builder {
	return &Builder{syn: syn}
}

// WriteString дописывает фрагмент SQL
func (b *Builder) WriteString(s string) {
	b.sb.WriteString(s)
}

// Ident дописывает экранированный идентификатор
func (b *Builder) Ident(name string) {
	b.sb.WriteString(b.syn.QuoteIdent(name))
}

// Bind регистрирует параметр и пишет его плейсхолдер
func (b *Builder) Bind(s Slot) {
	b.slots = append(b.slots, s)
	b.sb.WriteString(b.syn.Placeholder(len(b.slots)))
}

// Len - число параметров
func (b *Builder) Len() int { return len(b.slots) }

// String возвращает текст запроса
func (b *Builder) String() string { return b.sb.String() }

// Plan завершает построение
func (b *Builder) Plan(kind PlanKind, result ResultShape) *Plan {
	slots := make([]Slot, len(b.slots))
	copy(slots, b.slots)
	return &Plan{Kind: kind, Text: b.sb.String(), Slots: slots, Result: result}
}

// StandardSyntax - общий синтаксис LIMIT/OFFSET с функциями OGC SQL/MM.
// Диалекты встраивают его и переопределяют отличия.
type StandardSyntax struct {
	Quote       byte // '"' или '`'
	Positional  bool // ? вместо нумерованных плейсхолдеров
	Prefix      string
	ReturnStyle ReturningStyle
}

// QuoteIdent экранирует идентификатор удвоением кавычки
func (s StandardSyntax) QuoteIdent(name string) string {
	q := string(s.Quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

func (s StandardSyntax) Placeholder(n int) string {
	if s.Positional {
		return "?"
	}
	return s.Prefix + strconv.Itoa(n)
}

func (s StandardSyntax) WriteLimitOffset(b *Builder, limit, offset *Slot) {
	if limit != nil {
		b.WriteString(" LIMIT ")
		b.Bind(*limit)
	}
	if offset != nil {
		b.WriteString(" OFFSET ")
		b.Bind(*offset)
	}
}

func (s StandardSyntax) RequiresOrderForPaging() bool { return false }

func (s StandardSyntax) WriteSpatial(b *Builder, op filter.SpatialOp, column string, geom, srid Slot) error {
	b.WriteString(SpatialFunction(op))
	b.WriteString("(")
	b.Ident(column)
	b.WriteString(", ST_GeomFromWKB(")
	b.Bind(geom)
	b.WriteString(", ")
	b.Bind(srid)
	b.WriteString("))")
	return nil
}

func (s StandardSyntax) WriteGeometryValue(b *Builder, geom, srid Slot) {
	b.WriteString("ST_GeomFromWKB(")
	b.Bind(geom)
	b.WriteString(", ")
	b.Bind(srid)
	b.WriteString(")")
}

func (s StandardSyntax) WriteGeometryOutput(b *Builder, column string, target *Slot) {
	b.WriteString("ST_AsBinary(")
	if target != nil {
		b.WriteString("ST_Transform(")
		b.Ident(column)
		b.WriteString(", ")
		b.Bind(*target)
		b.WriteString(")")
	} else {
		b.Ident(column)
	}
	b.WriteString(")")
}

func (s StandardSyntax) CountExpr() string { return "COUNT(*)" }

func (s StandardSyntax) Returning() ReturningStyle { return s.ReturnStyle }

func (s StandardSyntax) WriteIsNull(b *Builder, column string, negated bool) {
	b.Ident(column)
	if negated {
		b.WriteString(" IS NOT NULL")
	} else {
		b.WriteString(" IS NULL")
	}
}

// SpatialFunction - имя функции SQL/MM для пространственного предиката
func SpatialFunction(op filter.SpatialOp) string {
	switch op {
	case filter.SpatialIntersects:
		return "ST_Intersects"
	case filter.SpatialContains:
		return "ST_Contains"
	case filter.SpatialWithin:
		return "ST_Within"
	case filter.SpatialDisjoint:
		return "ST_Disjoint"
	case filter.SpatialTouches:
		return "ST_Touches"
	case filter.SpatialCrosses:
		return "ST_Crosses"
	case filter.SpatialOverlaps:
		return "ST_Overlaps"
	case filter.SpatialEquals:
		return "ST_Equals"
	}
	return ""
}
