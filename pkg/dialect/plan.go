package dialect

import (
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/ruslano69/featurestore/pkg/filter"
)

// PlanKind - назначение плана
type PlanKind uint8

const (
	PlanSelect PlanKind = iota + 1
	PlanCount
	PlanByID
)

func (k PlanKind) String() string {
	switch k {
	case PlanSelect:
		return "select"
	case PlanCount:
		return "count"
	case PlanByID:
		return "byid"
	default:
		return "plan(" + strconv.Itoa(int(k)) + ")"
	}
}

// SlotSource - откуда берется значение параметра при привязке
type SlotSource uint8

const (
	SlotConst      SlotSource = iota + 1 // значение зафиксировано в плане
	SlotLiteral                          // литерал фильтра по порядковому номеру
	SlotLimit                            // лимит страницы
	SlotOffset                           // смещение страницы
	SlotTargetSRID                       // SRID выходной геометрии
	SlotCursor                           // значение курсора по индексу
	SlotID                               // первичный ключ
)

// Slot - позиция параметра в тексте плана
type Slot struct {
	Source SlotSource
	Index  int
	Value  any // только для SlotConst
	Type   filter.ValueType
	SRID   int // ожидаемый SRID геометрии литерала
}

// ConstSlot - параметр с фиксированным значением
func ConstSlot(v any, t filter.ValueType) Slot {
	return Slot{Source: SlotConst, Value: v, Type: t}
}

// Param - привязанный параметр запроса
type Param struct {
	Name  string
	Value any
	Type  filter.ValueType
}

// QueryDefinition - готовый к выполнению запрос. Неизменяем после создания.
type QueryDefinition struct {
	Text   string
	Params []Param
	Result ResultShape
}

// Args возвращает значения параметров в порядке плейсхолдеров
func (q *QueryDefinition) Args() []any {
	args := make([]any, len(q.Params))
	for i, p := range q.Params {
		args[i] = p.Value
	}
	return args
}

// Plan - скомпилированный шаблон запроса без значений литералов.
// Кэшируется и разделяется между горутинами.
type Plan struct {
	Kind   PlanKind
	Text   string
	Slots  []Slot
	Result ResultShape
}

// Args - значения, подставляемые в план
type Args struct {
	Literals   []filter.Literal
	Limit      int
	Offset     int
	TargetSRID int
	Cursor     []any
	ID         any
}

// Bind создает QueryDefinition, подставляя значения в слоты плана
func (p *Plan) Bind(a Args) (*QueryDefinition, error) {
	params := make([]Param, len(p.Slots))
	for i, s := range p.Slots {
		v, err := slotValue(s, a)
		if err != nil {
			return nil, fmt.Errorf("bind %s parameter %d: %w", p.Kind, i+1, err)
		}
		params[i] = Param{Name: "p" + strconv.Itoa(i+1), Value: v, Type: s.Type}
	}
	return &QueryDefinition{Text: p.Text, Params: params, Result: p.Result}, nil
}

func slotValue(s Slot, a Args) (any, error) {
	switch s.Source {
	case SlotConst:
		return bindValue(s.Value)
	case SlotLiteral:
		if s.Index >= len(a.Literals) {
			return nil, fmt.Errorf("literal %d not supplied (have %d)", s.Index, len(a.Literals))
		}
		l := a.Literals[s.Index]
		if l.Type() != s.Type {
			return nil, fmt.Errorf("literal %d has type %s, plan expects %s", s.Index, l.Type(), s.Type)
		}
		if g, ok := l.Value().(filter.Geometry); ok && s.SRID != 0 && g.SRID != s.SRID {
			return nil, fmt.Errorf("geometry literal %d has SRID %d, storage SRID is %d", s.Index, g.SRID, s.SRID)
		}
		return bindValue(l.Value())
	case SlotLimit:
		return int64(a.Limit), nil
	case SlotOffset:
		return int64(a.Offset), nil
	case SlotTargetSRID:
		return int64(a.TargetSRID), nil
	case SlotCursor:
		if s.Index >= len(a.Cursor) {
			return nil, fmt.Errorf("cursor value %d not supplied", s.Index)
		}
		return bindValue(a.Cursor[s.Index])
	case SlotID:
		if a.ID == nil {
			return nil, fmt.Errorf("id not supplied")
		}
		return bindValue(a.ID)
	default:
		return nil, fmt.Errorf("unknown slot source %d", s.Source)
	}
}

// bindValue приводит значение к виду, который принимают драйверы.
// Геометрия передается как WKB, SRID связывается отдельным параметром.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case filter.Geometry:
		b, err := wkb.Marshal(x.Geom)
		if err != nil {
			return nil, fmt.Errorf("encode geometry: %w", err)
		}
		return b, nil
	case int:
		return int64(x), nil
	case time.Time:
		return x.UTC(), nil
	default:
		return v, nil
	}
}
